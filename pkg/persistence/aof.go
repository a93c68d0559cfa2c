// Package persistence implements the append-only command log used by the
// memory storage engine: CRC-checked frames, a RESP command codec, a
// synchronous writer and a batching writer.
package persistence

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Log is the write side of a command log.
type Log interface {
	Append(c Command) error
	Flush() error
	Sync() error
	Close() error
	Truncate() error
	ReplaceWith(newPath string) error
	Path() string
	Size() (int64, error)
}

// AOFWriter appends framed commands to a file.
type AOFWriter struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	frames *FrameWriter
	path   string
}

var _ Log = (*AOFWriter)(nil)

// NewAOFWriter opens or creates the log at path.
func NewAOFWriter(path string) (*AOFWriter, error) {
	file, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(file)
	return &AOFWriter{file: file, buf: buf, frames: NewFrameWriter(buf), path: path}, nil
}

func openAppend(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return file, nil
}

// Append buffers one command. Call Flush or Sync to make it reach the file.
func (a *AOFWriter) Append(c Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames.WriteFrame(OpCodeCommand, FormatCommand(c))
}

func (a *AOFWriter) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Flush()
}

// Sync flushes and fsyncs.
func (a *AOFWriter) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.buf.Flush(); err != nil {
		return err
	}
	return a.file.Sync()
}

func (a *AOFWriter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.buf.Flush(); err != nil {
		_ = a.file.Close()
		return err
	}
	return a.file.Close()
}

// Truncate empties the log. Used after a snapshot has been written.
func (a *AOFWriter) Truncate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf.Reset(a.file)
	if err := a.file.Truncate(0); err != nil {
		return err
	}
	_, err := a.file.Seek(0, io.SeekStart)
	return err
}

// ReplaceWith renames newPath over the log and reopens it.
func (a *AOFWriter) ReplaceWith(newPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_ = a.buf.Flush()
	_ = a.file.Close()

	if err := os.Rename(newPath, a.path); err != nil {
		return fmt.Errorf("replace log: %w", err)
	}
	file, err := openAppend(a.path)
	if err != nil {
		return err
	}
	a.file = file
	a.buf.Reset(file)
	return nil
}

func (a *AOFWriter) Path() string { return a.path }

// Size is the on-disk size, excluding unflushed bytes.
func (a *AOFWriter) Size() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, err := a.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// WriteLog writes cmds as a fresh log file at path.
func WriteLog(path string, cmds func(emit func(Command) error) error) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	buf := bufio.NewWriter(file)
	fw := NewFrameWriter(buf)
	err = cmds(func(c Command) error { return fw.WriteFrame(OpCodeCommand, FormatCommand(c)) })
	if err == nil {
		err = buf.Flush()
	}
	if err == nil {
		err = file.Sync()
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Replay reads every command in the log at path and hands it to apply. A
// torn final frame is truncated away and logged; corruption elsewhere is an
// error. A missing file replays nothing.
func Replay(path string, logger *slog.Logger, apply func(Command) error) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var offset int64
	count := 0
	for {
		frame, n, err := ReadFrame(r)
		if err == io.EOF {
			return count, nil
		}
		if errors.Is(err, ErrIncompleteFrame) {
			logger.Warn("Truncating torn log tail", "path", path, "offset", offset)
			if terr := file.Truncate(offset); terr != nil {
				return count, fmt.Errorf("truncate torn tail: %w", terr)
			}
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("read log at offset %d: %w", offset, err)
		}
		offset += int64(n)
		if frame.Op != OpCodeCommand {
			continue
		}

		cmd, err := DecodeCommand(frame.Payload)
		if err != nil {
			return count, fmt.Errorf("decode command at offset %d: %w", offset, err)
		}
		if err := apply(cmd); err != nil {
			return count, fmt.Errorf("apply %s: %w", cmd.Name, err)
		}
		count++
	}
}
