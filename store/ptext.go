package store

import (
	"bufio"
	"errors"
	"io/fs"
	"os"

	"go.uber.org/zap"
)

// The external plan text file is an append-only byte log. Each record
// is the text followed by one NUL; entries reference records by
// (offset, length). Space is reserved under the state mutex so multiple
// writers can append concurrently without holding the table lock
// exclusively.

// ptextCreateEmpty truncates (or creates) the text file and resets the
// extent.
func (s *Store) ptextCreateEmpty() error {
	f, err := os.Create(s.opt.TextPath)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.stateMu.Lock()
	s.extent = 0
	s.stateMu.Unlock()
	return nil
}

// ptextStore appends text to the external file and returns its offset
// plus the garbage collection count observed at reservation time.
// Callers holding only the shared table lock recheck that count after
// upgrading to exclusive, to detect a collection that removed the
// record in the gap.
//
// The caller must hold at least the shared table lock, which prevents a
// concurrent garbage collection.
func (s *Store) ptextStore(text []byte) (off int64, gcCount int, ok bool) {
	s.stateMu.Lock()
	off = s.extent
	s.extent += int64(len(text)) + 1
	s.nWriters++
	gcCount = s.gcCount
	s.stateMu.Unlock()

	defer func() {
		s.stateMu.Lock()
		s.nWriters--
		s.stateMu.Unlock()
	}()

	f, err := os.OpenFile(s.opt.TextPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		s.logPtextError("open", err)
		return 0, gcCount, false
	}
	defer f.Close()

	if _, err := f.WriteAt(text, off); err != nil {
		s.logPtextError("write", err)
		return 0, gcCount, false
	}
	if _, err := f.WriteAt([]byte{0}, off+int64(len(text))); err != nil {
		s.logPtextError("write", err)
		return 0, gcCount, false
	}
	return off, gcCount, true
}

// ptextLoadFile reads the whole external file into memory. Returns nil
// on any failure; a missing file is not logged.
func (s *Store) ptextLoadFile() []byte {
	buf, err := os.ReadFile(s.opt.TextPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logPtextError("read", err)
		}
		return nil
	}
	return buf
}

// ptextFetch locates one record in a buffer previously read by
// ptextLoadFile. The offset and length are validated, including the
// trailing NUL; nil is returned for anything bogus.
func ptextFetch(buf []byte, off int64, length int) []byte {
	if buf == nil {
		return nil
	}
	if length < 0 || off < 0 || off+int64(length) >= int64(len(buf)) {
		return nil
	}
	if buf[off+int64(length)] != 0 {
		return nil
	}
	return buf[off : off+int64(length)]
}

// needGC reports whether the external file is due for compaction. The
// caller should hold at least the shared table lock.
func (s *Store) needGC() bool {
	if !s.opt.ExternalText {
		return false
	}

	s.stateMu.Lock()
	extent := s.extent
	s.stateMu.Unlock()

	// Don't bother below 512 bytes per possible entry.
	if extent < 512*int64(s.opt.Capacity) {
		return false
	}

	// Don't bother below about 50% bloat either. Unusually long plan
	// texts legitimately grow the file; the mean length keeps the
	// collector from thrashing on such workloads.
	if extent < 2*s.meanPlanLen*int64(s.opt.Capacity) {
		return false
	}
	return true
}

// gcTexts compacts the external file, re-pointing every live entry to
// its new offset. The caller must hold the exclusive table lock.
//
// Records whose offset or length fails validation are dropped from
// their entry (planLen becomes -1) rather than failing the collection.
// On an unrecoverable failure the file is recreated empty and every
// entry's text is invalidated; availability wins over retention.
func (s *Store) gcTexts() {
	// Another session may have collected in the no-lock-held interim of
	// the caller's lock upgrade. Check once more.
	if !s.needGC() {
		return
	}

	pbuf := s.ptextLoadFile()
	if pbuf == nil {
		s.gcFail()
		return
	}

	// Overwrite in place; the file never grows during compaction.
	f, err := os.OpenFile(s.opt.TextPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		s.logPtextError("open", err)
		s.gcFail()
		return
	}

	w := bufio.NewWriter(f)
	var extent int64
	nEntries := 0
	for _, e := range s.table {
		text := ptextFetch(pbuf, e.planOffset, e.planLen)
		if text == nil {
			e.planOffset = 0
			e.planLen = -1
			continue
		}
		if _, err := w.Write(text); err == nil {
			err = w.WriteByte(0)
		}
		if err != nil {
			s.logPtextError("write", err)
			f.Close()
			s.gcFail()
			return
		}
		e.planOffset = extent
		extent += int64(e.planLen) + 1
		nEntries++
	}
	if err := w.Flush(); err != nil {
		s.logPtextError("write", err)
		f.Close()
		s.gcFail()
		return
	}
	if err := f.Truncate(extent); err != nil {
		s.logPtextError("truncate", err)
	}
	if err := f.Close(); err != nil {
		s.logPtextError("close", err)
		s.gcFail()
		return
	}

	s.stateMu.Lock()
	old := s.extent
	s.extent = extent
	s.gcCount++
	s.stateMu.Unlock()

	if nEntries > 0 {
		s.meanPlanLen = extent / int64(nEntries)
	} else {
		s.meanPlanLen = assumedLengthInit
	}

	s.opt.Logger.Debug("plan text file compacted",
		zap.Int64("from", old), zap.Int64("to", extent))
	s.opt.Metrics.GC()
}

// gcFail invalidates every entry's text pointer and recreates the file
// empty. Allowing the same problem case to recur indefinitely risks
// thrashing, so the slate is wiped at the first sign of trouble.
func (s *Store) gcFail() {
	for _, e := range s.table {
		e.planOffset = 0
		e.planLen = -1
	}

	os.Remove(s.opt.TextPath)
	if f, err := os.Create(s.opt.TextPath); err != nil {
		s.logPtextError("recreate", err)
	} else {
		f.Close()
	}

	s.stateMu.Lock()
	s.extent = 0
	s.gcCount++
	s.stateMu.Unlock()

	s.meanPlanLen = assumedLengthInit
	s.opt.Metrics.GC()
}

func (s *Store) logPtextError(op string, err error) {
	s.opt.Logger.Warn("plan text file error",
		zap.String("op", op),
		zap.String("path", s.opt.TextPath),
		zap.Error(err))
}
