// Package capture 记录到达写阶段的请求原始字节，便于离线检查分帧行为。
//
// 文件由连续的记录组成：
//
//	key(uvarint) | rawLen(uvarint) | bodyLen(uvarint) | body(zstd frame)
//
// 每条记录的 body 是独立压缩的 zstd 帧。
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
)

// MaxRecord 为单条记录解压后的上限
const MaxRecord = 64 << 20

var (
	ErrClosed         = errors.New("capture: writer closed")
	ErrRecordTooLarge = errors.New("capture: record too large")
	ErrCorrupt        = errors.New("capture: corrupt record")
)

// Record 为一条已解码的请求记录。
type Record struct {
	Key  uint64
	Data []byte
}

// Writer 不是并发安全的，只在事件循环中使用。
type Writer struct {
	bw     *bufio.Writer
	c      io.Closer
	enc    *zstd.Encoder
	body   []byte
	closed bool
	hdr    [3 * binary.MaxVarintLen64]byte
}

// NewWriter 包装 w；若 w 实现 io.Closer，Close 时一并关闭。
func NewWriter(w io.Writer) *Writer {
	cw := &Writer{bw: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		cw.c = c
	}
	return cw
}

// Record 追加一条记录。data 在返回后可被调用方复用。
func (w *Writer) Record(key uint64, data []byte) error {
	if w.closed {
		return ErrClosed
	}
	if len(data) > MaxRecord {
		return ErrRecordTooLarge
	}
	if w.enc == nil {
		enc, err := newEncoder()
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		w.enc = enc
	}
	body := w.enc.EncodeAll(data, w.body[:0])
	w.body = body

	n := binary.PutUvarint(w.hdr[:], key)
	n += binary.PutUvarint(w.hdr[n:], uint64(len(data)))
	n += binary.PutUvarint(w.hdr[n:], uint64(len(body)))
	if _, err := w.bw.Write(w.hdr[:n]); err != nil {
		return fmt.Errorf("capture: write header: %w", err)
	}
	if _, err := w.bw.Write(body); err != nil {
		return fmt.Errorf("capture: write body: %w", err)
	}
	return nil
}

func (w *Writer) Flush() error { return w.bw.Flush() }

func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.bw.Flush()
	if w.enc != nil {
		err = multierr.Append(err, w.enc.Close())
	}
	if w.c != nil {
		err = multierr.Append(err, w.c.Close())
	}
	return err
}

// Reader 顺序解码 Writer 产生的记录。
type Reader struct {
	br  *bufio.Reader
	dec *zstd.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next 返回下一条记录；没有更多记录时返回 io.EOF。
func (r *Reader) Next() (Record, error) {
	key, err := binary.ReadUvarint(r.br)
	if err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, errors.Join(ErrCorrupt, err)
	}
	rawLen, err := binary.ReadUvarint(r.br)
	if err != nil {
		return Record{}, errors.Join(ErrCorrupt, err)
	}
	bodyLen, err := binary.ReadUvarint(r.br)
	if err != nil {
		return Record{}, errors.Join(ErrCorrupt, err)
	}
	if rawLen > MaxRecord || bodyLen > MaxRecord {
		return Record{}, ErrRecordTooLarge
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r.br, body); err != nil {
		return Record{}, errors.Join(ErrCorrupt, err)
	}
	if r.dec == nil {
		dec, err := newDecoder()
		if err != nil {
			return Record{}, fmt.Errorf("capture: %w", err)
		}
		r.dec = dec
	}
	data, derr := r.dec.DecodeAll(body, make([]byte, 0, rawLen))
	if derr != nil {
		return Record{}, errors.Join(ErrCorrupt, derr)
	}
	if uint64(len(data)) != rawLen {
		return Record{}, fmt.Errorf("%w: length %d, want %d", ErrCorrupt, len(data), rawLen)
	}
	return Record{Key: key, Data: data}, nil
}
