package oplogstore

import (
	"bytes"
	"encoding/binary"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/rzbill/golem-oplog/internal/oplog"
)

// Pebble keyspace (byte-wise sortable):
//
//	oplog/p/{project}/{component}/{worker}\x00{idx_be8}           primary entry
//	oplog/a/{level_be2}/{project}/{component}/{worker}\x00{last_be8}  compressed chunk
//
// Blob keyspace:
//
//	archive/{level}/{project}/{component}/{escaped worker}/{last:020d}

const nameTerm = 0x00

var (
	primarySeg = []byte("oplog/p/")
	archiveSeg = []byte("oplog/a/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendComponent(dst []byte, project, component uuid.UUID) []byte {
	dst = append(dst, project.String()...)
	dst = append(dst, '/')
	dst = append(dst, component.String()...)
	dst = append(dst, '/')
	return dst
}

// primaryComponentPrefix covers all workers of a component.
func primaryComponentPrefix(project, component uuid.UUID) []byte {
	return appendComponent(append([]byte(nil), primarySeg...), project, component)
}

// primaryWorkerPrefix covers all entries of one worker.
func primaryWorkerPrefix(owned oplog.OwnedWorkerID) []byte {
	k := primaryComponentPrefix(owned.ProjectID, owned.WorkerID.ComponentID)
	k = append(k, owned.WorkerID.Name...)
	return append(k, nameTerm)
}

func primaryEntryKey(owned oplog.OwnedWorkerID, idx oplog.Index) []byte {
	return appendBE8(primaryWorkerPrefix(owned), uint64(idx))
}

func archiveComponentPrefix(level int, project, component uuid.UUID) []byte {
	k := append([]byte(nil), archiveSeg...)
	k = append(k, byte(level>>8), byte(level), '/')
	return appendComponent(k, project, component)
}

func archiveWorkerPrefix(level int, owned oplog.OwnedWorkerID) []byte {
	k := archiveComponentPrefix(level, owned.ProjectID, owned.WorkerID.ComponentID)
	k = append(k, owned.WorkerID.Name...)
	return append(k, nameTerm)
}

func archiveChunkKey(level int, owned oplog.OwnedWorkerID, last oplog.Index) []byte {
	return appendBE8(archiveWorkerPrefix(level, owned), uint64(last))
}

// indexFromKey decodes the trailing big-endian index of an entry or chunk key.
func indexFromKey(k []byte) oplog.Index {
	if len(k) < 8 {
		return oplog.NoneIndex
	}
	return oplog.Index(binary.BigEndian.Uint64(k[len(k)-8:]))
}

// workerNameFromKey extracts the worker name following componentPrefix.
func workerNameFromKey(componentPrefix, k []byte) (string, bool) {
	if !bytes.HasPrefix(k, componentPrefix) {
		return "", false
	}
	rest := k[len(componentPrefix):]
	i := bytes.IndexByte(rest, nameTerm)
	if i < 0 {
		return "", false
	}
	return string(rest[:i]), true
}

func blobComponentPrefix(level int, project, component uuid.UUID) string {
	return "archive/" + strconv.Itoa(level) + "/" + project.String() + "/" + component.String() + "/"
}

func blobWorkerPrefix(level int, owned oplog.OwnedWorkerID) string {
	return blobComponentPrefix(level, owned.ProjectID, owned.WorkerID.ComponentID) +
		url.PathEscape(owned.WorkerID.Name) + "/"
}

func blobChunkKey(level int, owned oplog.OwnedWorkerID, last oplog.Index) string {
	return blobWorkerPrefix(level, owned) + padIndex(last)
}

func padIndex(idx oplog.Index) string {
	s := strconv.FormatUint(uint64(idx), 10)
	const width = 20
	if len(s) < width {
		s = "00000000000000000000"[:width-len(s)] + s
	}
	return s
}
