package archive

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Fixed-size record files back both the metadata store and the term index.
// Every record ends with a CRC32 of the bytes before it.
const (
	RecordSize       = 128
	recordCRCOffset  = RecordSize - 4
	recordVersion    = 1
	MaxChannelLength = 92
)

type recordFile struct {
	f     *os.File
	magic uint32
	count int64
}

func openRecordFile(path string, magic uint32) (*recordFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}
	if st.Size()%RecordSize != 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s size %d is not a multiple of %d", ErrCorruptMetadata, path, st.Size(), RecordSize)
	}
	return &recordFile{f: f, magic: magic, count: st.Size() / RecordSize}, nil
}

// scan visits every record. Records that fail the structural check are passed
// with a non-nil error.
func (r *recordFile) scan(fn func(off int64, rec []byte, err error)) error {
	buf := make([]byte, RecordSize)
	for i := int64(0); i < r.count; i++ {
		off := i * RecordSize
		if _, err := r.f.ReadAt(buf, off); err != nil && err != io.EOF {
			return fmt.Errorf("%w: read record at %d: %v", ErrIO, off, err)
		}
		fn(off, buf, r.check(buf))
	}
	return nil
}

func (r *recordFile) read(off int64, buf []byte) error {
	if _, err := r.f.ReadAt(buf[:RecordSize], off); err != nil {
		return fmt.Errorf("%w: read record at %d: %v", ErrIO, off, err)
	}
	return r.check(buf)
}

func (r *recordFile) append(rec []byte) (int64, error) {
	r.seal(rec)
	off := r.count * RecordSize
	if _, err := r.f.WriteAt(rec[:RecordSize], off); err != nil {
		return 0, fmt.Errorf("%w: append record: %v", ErrIO, err)
	}
	if err := r.f.Sync(); err != nil {
		return 0, fmt.Errorf("%w: sync records: %v", ErrIO, err)
	}
	r.count++
	return off, nil
}

// rewrite replaces the record at off.
func (r *recordFile) rewrite(off int64, rec []byte) error {
	r.seal(rec)
	if _, err := r.f.WriteAt(rec[:RecordSize], off); err != nil {
		return fmt.Errorf("%w: rewrite record: %v", ErrIO, err)
	}
	if err := r.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync records: %v", ErrIO, err)
	}
	return nil
}

func (r *recordFile) seal(rec []byte) {
	binary.LittleEndian.PutUint32(rec[0:], r.magic)
	binary.LittleEndian.PutUint16(rec[4:], recordVersion)
	binary.LittleEndian.PutUint32(rec[recordCRCOffset:], crc32.ChecksumIEEE(rec[:recordCRCOffset]))
}

func (r *recordFile) check(rec []byte) error {
	if got := binary.LittleEndian.Uint32(rec[0:]); got != r.magic {
		return fmt.Errorf("%w: bad magic %#x", ErrCorruptMetadata, got)
	}
	if v := binary.LittleEndian.Uint16(rec[4:]); v != recordVersion {
		return fmt.Errorf("%w: unsupported record version %d", ErrCorruptMetadata, v)
	}
	if want, got := crc32.ChecksumIEEE(rec[:recordCRCOffset]), binary.LittleEndian.Uint32(rec[recordCRCOffset:]); want != got {
		return fmt.Errorf("%w: checksum mismatch", ErrCorruptMetadata)
	}
	return nil
}

func (r *recordFile) close() error { return r.f.Close() }

// Channel is stored at a fixed offset with its length in bytes 6..8.
func putChannel(rec []byte, at int, channel string) error {
	if len(channel) > MaxChannelLength || at+len(channel) > recordCRCOffset {
		return fmt.Errorf("archive: channel %q longer than %d bytes", channel, MaxChannelLength)
	}
	binary.LittleEndian.PutUint16(rec[6:], uint16(len(channel)))
	copy(rec[at:], channel)
	return nil
}

func getChannel(rec []byte, at int) (string, error) {
	n := int(binary.LittleEndian.Uint16(rec[6:]))
	if n > MaxChannelLength || at+n > recordCRCOffset {
		return "", fmt.Errorf("%w: channel length %d", ErrCorruptMetadata, n)
	}
	return string(rec[at : at+n]), nil
}
