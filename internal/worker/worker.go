package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/facevec/internal/imageio"
	"github.com/andresmejia3/facevec/internal/types"
	"github.com/andresmejia3/facevec/internal/utils" // Using the SafeCommand wrapper
)

// Response status bytes written by python/embed_worker.py
const (
	statusOK    byte = 0
	statusError byte = 1
	statusReady byte = 2
)

// Sanity caps so a desynced stream can't make us allocate gigabytes
const (
	maxFrameBytes = 64 * 1024 * 1024
	maxFaces      = 1024
	maxDim        = 4096
	killGrace     = 3 * time.Second
)

var (
	// ErrEngineCrashed marks transport failures. The worker's stream state is unknown afterwards
	// and it must be replaced.
	ErrEngineCrashed = errors.New("engine crashed")
	// ErrInvalidEmbedding is returned when the engine produced a vector with NaN or Inf in it.
	ErrInvalidEmbedding = errors.New("engine returned non-finite embedding")
)

// EngineError is an exception raised inside Python and reported over the protocol.
// The worker is still in sync and can take the next request.
type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return "python worker error: " + e.Msg
}

// Config controls how a Python engine is launched.
type Config struct {
	Python       string        // interpreter, e.g. python3
	Script       string        // path to embed_worker.py
	ReadTimeout  time.Duration // per-request response timeout, 0 disables
	StartTimeout time.Duration // model load timeout, 0 disables
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	timeout   time.Duration
	closeOnce sync.Once
}

// NewPythonWorker starts the interpreter and blocks until the model is loaded
// (the script sends a ready frame) or ctx is cancelled.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(cfg.Python, "-u", cfg.Script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	pw := &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		timeout:  cfg.ReadTimeout,
	}

	if err := pw.waitReady(ctx, cfg.StartTimeout); err != nil {
		pw.Close()
		if py.Stderr.Len() > 0 {
			return nil, fmt.Errorf("worker %d did not become ready: %w\n%s", id, err, py.Stderr.String())
		}
		return nil, fmt.Errorf("worker %d did not become ready: %w", id, err)
	}
	return pw, nil
}

// waitReady reads the single ready frame the script emits after importing face_recognition.
func (w *PythonWorker) waitReady(ctx context.Context, timeout time.Duration) error {
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := w.readFrame(timeout)
		done <- result{body, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		if len(res.body) != 1 || res.body[0] != statusReady {
			return fmt.Errorf("unexpected handshake %X", res.body)
		}
		return nil
	case <-ctx.Done():
		// Closing our read-end unblocks the reader goroutine
		w.DataPipe.Close()
		<-done
		return ctx.Err()
	}
}

// Communicate sends one framed request and reads one framed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}
	return w.readFrame(w.timeout)
}

func (w *PythonWorker) readFrame(timeout time.Duration) ([]byte, error) {
	// os.Pipe ends support deadlines; in-memory mocks don't and just skip this
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		_ = d.SetReadDeadline(deadline)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxFrameBytes {
		return nil, fmt.Errorf("response frame of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Embed sends one decoded image and returns every face the engine found, in engine order.
func (w *PythonWorker) Embed(img *imageio.Image) ([]types.Face, error) {
	resp, err := w.Communicate(EncodeImage(img))
	if err != nil {
		return nil, fmt.Errorf("%w: worker %d: %v", ErrEngineCrashed, w.ID, err)
	}
	return DecodeFaces(resp)
}

// EncodeImage builds the request payload: [Width][Height][RGB...]
func EncodeImage(img *imageio.Image) []byte {
	buf := make([]byte, 8+len(img.Pix))
	binary.BigEndian.PutUint32(buf[0:4], uint32(img.Width))
	binary.BigEndian.PutUint32(buf[4:8], uint32(img.Height))
	copy(buf[8:], img.Pix)
	return buf
}

// DecodeFaces parses a response body.
// Protocol: [Status:0] [NumFaces] ([Box 4xi32] [Dim] [Vec Dimxf64])...
//
//	or [Status:1] [MsgLen] [Msg]
func DecodeFaces(body []byte) ([]types.Face, error) {
	r := bytes.NewReader(body)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: empty response", ErrEngineCrashed)
	}

	switch status {
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("%w: truncated error frame", ErrEngineCrashed)
		}
		if int(msgLen) > r.Len() {
			return nil, fmt.Errorf("%w: error message overruns frame", ErrEngineCrashed)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("%w: truncated error frame", ErrEngineCrashed)
		}
		return nil, &EngineError{Msg: string(msg)}

	case statusOK:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: missing face count", ErrEngineCrashed)
		}
		if n > maxFaces {
			return nil, fmt.Errorf("%w: implausible face count %d", ErrEngineCrashed, n)
		}

		faces := make([]types.Face, 0, n)
		for i := uint32(0); i < n; i++ {
			var box [4]int32
			if err := binary.Read(r, binary.BigEndian, &box); err != nil {
				return nil, fmt.Errorf("%w: face %d: truncated box", ErrEngineCrashed, i)
			}
			var dim uint32
			if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
				return nil, fmt.Errorf("%w: face %d: missing dimension", ErrEngineCrashed, i)
			}
			if dim == 0 || dim > maxDim {
				return nil, fmt.Errorf("%w: face %d: implausible dimension %d", ErrEngineCrashed, i, dim)
			}
			vec := make([]float64, dim)
			if err := binary.Read(r, binary.BigEndian, vec); err != nil {
				return nil, fmt.Errorf("%w: face %d: truncated vector", ErrEngineCrashed, i)
			}
			if !utils.AllFinite(vec) {
				return nil, fmt.Errorf("%w: face %d", ErrInvalidEmbedding, i)
			}

			faces = append(faces, types.Face{
				Loc: []int{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
				Vec: vec,
			})
		}
		return faces, nil

	default:
		return nil, fmt.Errorf("%w: unknown status byte %d", ErrEngineCrashed, status)
	}
}

// Close shuts the worker down. Python exits on stdin EOF; a wedged process is killed after a grace period.
func (w *PythonWorker) Close() {
	w.closeOnce.Do(func() {
		w.Stdin.Close()
		w.DataPipe.Close()

		if w.Cmd == nil || w.Cmd.Process == nil {
			return
		}
		exited := make(chan struct{})
		go func() {
			w.Cmd.Wait()
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(killGrace):
			w.Cmd.Process.Kill()
			<-exited
		}
	})
}
