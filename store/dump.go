package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/planstore/planstore/internal/util"
)

// Dump file layout (little-endian):
//
//	u32 magic
//	u32 format version (mismatch discards the whole file)
//	i32 entry count
//	entry count times:
//	    fixed-size entry header (key, counters, text length)
//	    text bytes plus one trailing NUL
const (
	dumpMagic   uint32 = 0x20211125
	dumpVersion uint32 = 1
)

// dumpEntry is the fixed-size per-entry header. All fields have
// explicit sizes so encoding/binary writes them without padding.
type dumpEntry struct {
	Key      Key
	Counters Counters
	PlanLen  int32
}

// SaveDump writes every resident entry and its plan text to DumpPath.
// The file is written to a temporary sibling first and renamed into
// place, so a crash mid-write never leaves a torn dump.
func (s *Store) SaveDump() error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var pbuf []byte
	if s.opt.ExternalText {
		pbuf = s.ptextLoadFile()
		if pbuf == nil {
			return errors.New("store: could not load plan text file")
		}
	}

	// Entries with bogus texts are ignored, so collect first to write an
	// accurate count.
	type record struct {
		hdr  dumpEntry
		text []byte
	}
	records := make([]record, 0, len(s.table))
	for _, e := range s.table {
		var text []byte
		if s.opt.ExternalText {
			text = ptextFetch(pbuf, e.planOffset, e.planLen)
			if text == nil {
				continue
			}
		} else {
			text = e.plan
		}

		e.mu.Lock()
		c := e.counters
		e.mu.Unlock()

		records = append(records, record{
			hdr:  dumpEntry{Key: e.key, Counters: c, PlanLen: int32(len(text))},
			text: text,
		})
	}

	tmp := s.opt.DumpPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	err = binary.Write(w, binary.LittleEndian, dumpMagic)
	if err == nil {
		err = binary.Write(w, binary.LittleEndian, dumpVersion)
	}
	if err == nil {
		err = binary.Write(w, binary.LittleEndian, int32(len(records)))
	}
	for _, r := range records {
		if err != nil {
			break
		}
		if err = binary.Write(w, binary.LittleEndian, r.hdr); err == nil {
			if _, err = w.Write(r.text); err == nil {
				err = w.WriteByte(0)
			}
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, s.opt.DumpPath); err != nil {
		os.Remove(tmp)
		return err
	}

	// The text file is rebuilt from the dump on the next load.
	if s.opt.ExternalText {
		os.Remove(s.opt.TextPath)
	}
	s.opt.Logger.Info("statistics dump saved",
		zap.String("path", s.opt.DumpPath), zap.Int("entries", len(records)))
	return nil
}

// LoadDump restores entries previously written by SaveDump. Sticky
// entries (Calls == 0) are skipped; texts longer than the configured
// maximum are clipped at a rune boundary. The dump file is removed after
// a successful load so stale statistics are never loaded twice.
//
// A missing file is not an error. A corrupt file is removed and the load
// stops, keeping whatever was restored before the damage.
func (s *Store) LoadDump() error {
	if s.closed.Load() {
		return ErrClosed
	}

	f, err := os.Open(s.opt.DumpPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	r := bufio.NewReader(f)

	var magic, version uint32
	var count int32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return s.dumpDataError(err)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return s.dumpDataError(err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return s.dumpDataError(err)
	}
	if magic != dumpMagic || version != dumpVersion {
		return s.dumpDataError(fmt.Errorf("bad header %#x/%d", magic, version))
	}

	for i := int32(0); i < count; i++ {
		var hdr dumpEntry
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return s.dumpDataError(err)
		}
		if hdr.PlanLen < 0 {
			return s.dumpDataError(fmt.Errorf("negative text length %d", hdr.PlanLen))
		}

		text := make([]byte, hdr.PlanLen+1)
		if _, err := io.ReadFull(r, text); err != nil {
			return s.dumpDataError(err)
		}
		text = text[:hdr.PlanLen]

		// Skip pending sticky entries.
		if hdr.Counters.Calls == 0 {
			continue
		}

		// A previous incarnation might have allowed longer texts.
		if len(text) >= s.opt.MaxPlanLen {
			text = []byte(util.ClipString(string(text), s.opt.MaxPlanLen-1))
		}

		var off int64
		if s.opt.ExternalText {
			var ok bool
			off, _, ok = s.ptextStore(text)
			if !ok {
				return errors.New("store: could not re-seed plan text file")
			}
		}

		e := s.entryAlloc(hdr.Key, off, len(text), text, false)
		e.counters = hdr.Counters
	}

	// Remove the dump so it is never loaded twice; a fresh one is
	// written on the next save.
	os.Remove(s.opt.DumpPath)

	s.opt.Logger.Info("statistics dump loaded",
		zap.String("path", s.opt.DumpPath), zap.Int("entries", len(s.table)))
	return nil
}

// dumpDataError discards the corrupt dump file and reports why.
func (s *Store) dumpDataError(err error) error {
	os.Remove(s.opt.DumpPath)
	return fmt.Errorf("store: invalid dump file %s: %w", s.opt.DumpPath, err)
}
