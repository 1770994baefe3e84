// Package config provides loading and environment overlay for oplogd
// configuration. Default() is the baseline; Load reads a JSON or YAML file
// on top of it and FromEnv overlays OPLOG_* variables.
//
// Example:
//
//	cfg, err := config.Load("/etc/oplogd.yaml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	rt, _ := runtime.Open(ctx, runtime.Options{DataDir: config.ResolveDataDir("", cfg), Config: cfg})
//	defer rt.Close()
package config
