package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/andresmejia3/facevec/internal/imageio"
	"github.com/andresmejia3/facevec/internal/server"
	"github.com/andresmejia3/facevec/internal/server/mocks"
	"github.com/andresmejia3/facevec/internal/types"
	"github.com/andresmejia3/facevec/internal/worker"
)

const testOrigin = "http://localhost:3000"

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newServer(decoder server.Decoder, embedder server.Embedder) *server.Server {
	return server.New(&server.Config{
		Addr:            "127.0.0.1:0",
		AllowedOrigin:   testOrigin,
		ShutdownTimeout: time.Second,
	}, decoder, embedder, testLogger())
}

func uploadRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/process_image", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(s *server.Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func vector(seed float64) []float64 {
	v := make([]float64, types.EmbeddingDim)
	for i := range v {
		v[i] = seed + float64(i)/256
	}
	return v
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var res types.ErrorResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res.Error
}

func TestProcessImage(t *testing.T) {
	img := &imageio.Image{Width: 2, Height: 1, Pix: []byte{1, 2, 3, 4, 5, 6}}

	tests := map[string]struct {
		faces      []types.Face
		embedErr   error
		wantStatus int
		wantError  string
		wantVec    []float64
	}{
		"single face": {
			faces:      []types.Face{{Loc: []int{10, 50, 60, 5}, Vec: vector(-0.1)}},
			wantStatus: http.StatusOK,
			wantVec:    vector(-0.1),
		},
		"multiple faces returns the first": {
			faces: []types.Face{
				{Loc: []int{10, 50, 60, 5}, Vec: vector(0.2)},
				{Loc: []int{80, 140, 130, 90}, Vec: vector(-0.3)},
			},
			wantStatus: http.StatusOK,
			wantVec:    vector(0.2),
		},
		"no face": {
			faces:      []types.Face{},
			wantStatus: http.StatusBadRequest,
			wantError:  types.MsgNoFaceFound,
		},
		"engine crash": {
			embedErr:   fmt.Errorf("%w: broken pipe", worker.ErrEngineCrashed),
			wantStatus: http.StatusInternalServerError,
			wantError:  types.MsgLoadFailed,
		},
		"engine reported error": {
			embedErr:   &worker.EngineError{Msg: "ValueError: bad shape"},
			wantStatus: http.StatusInternalServerError,
			wantError:  types.MsgLoadFailed,
		},
		"non-finite embedding": {
			faces:      []types.Face{{Loc: []int{0, 1, 1, 0}, Vec: []float64{0.1, math.NaN()}}},
			wantStatus: http.StatusInternalServerError,
			wantError:  types.MsgLoadFailed,
		},
		"empty embedding": {
			faces:      []types.Face{{Loc: []int{0, 1, 1, 0}}},
			wantStatus: http.StatusInternalServerError,
			wantError:  types.MsgLoadFailed,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			decoder := mocks.NewMockDecoder(ctrl)
			embedder := mocks.NewMockEmbedder(ctrl)

			decoder.EXPECT().Decode(gomock.Any()).Return(img, nil)
			embedder.EXPECT().Embed(gomock.Any(), img).Return(tt.faces, tt.embedErr)

			rec := serve(newServer(decoder, embedder), uploadRequest(t, "image", "face.jpg", []byte("jpeg bytes")))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, errorBody(t, rec))
				assert.NotContains(t, rec.Body.String(), "pipe")
				assert.NotContains(t, rec.Body.String(), "ValueError")
				return
			}

			var res types.EmbeddingResult
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
			assert.Equal(t, tt.wantVec, res.Embedding)
			assert.Len(t, res.Embedding, types.EmbeddingDim)
		})
	}
}

func TestProcessImage_DecoderSeesUploadBytes(t *testing.T) {
	ctrl := gomock.NewController(t)
	decoder := mocks.NewMockDecoder(ctrl)
	embedder := mocks.NewMockEmbedder(ctrl)

	content := []byte("\x89PNG not really")
	decoder.EXPECT().Decode(gomock.Any()).DoAndReturn(func(r io.Reader) (*imageio.Image, error) {
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, content, got)
		return nil, imageio.ErrDecode
	})

	rec := serve(newServer(decoder, embedder), uploadRequest(t, "image", "face.png", content))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, types.MsgLoadFailed, errorBody(t, rec))
}

func TestProcessImage_MissingImagePart(t *testing.T) {
	tests := map[string]func(t *testing.T) *http.Request{
		"wrong field name": func(t *testing.T) *http.Request {
			return uploadRequest(t, "photo", "face.jpg", []byte("jpeg bytes"))
		},
		"not multipart": func(t *testing.T) *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/process_image", strings.NewReader(`{"image":"abc"}`))
			req.Header.Set("Content-Type", "application/json")
			return req
		},
		"empty body": func(t *testing.T) *http.Request {
			return httptest.NewRequest(http.MethodPost, "/process_image", nil)
		},
	}

	for name, build := range tests {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			// Neither collaborator may be touched
			s := newServer(mocks.NewMockDecoder(ctrl), mocks.NewMockEmbedder(ctrl))

			rec := serve(s, build(t))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, types.MsgNoImagePart, errorBody(t, rec))
		})
	}
}

func TestProcessImage_UndecodableUpload(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newServer(imageio.NewDecoder(0), mocks.NewMockEmbedder(ctrl))

	for _, content := range [][]byte{[]byte("this is not an image"), {}} {
		rec := serve(s, uploadRequest(t, "image", "notes.txt", content))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, types.MsgLoadFailed, errorBody(t, rec))
	}
}

func TestProcessImage_Idempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	decoder := mocks.NewMockDecoder(ctrl)
	embedder := mocks.NewMockEmbedder(ctrl)

	img := &imageio.Image{Width: 1, Height: 1, Pix: []byte{9, 9, 9}}
	decoder.EXPECT().Decode(gomock.Any()).Return(img, nil).Times(2)
	embedder.EXPECT().Embed(gomock.Any(), img).Return([]types.Face{{Loc: []int{0, 1, 1, 0}, Vec: vector(0.5)}}, nil).Times(2)

	s := newServer(decoder, embedder)
	first := serve(s, uploadRequest(t, "image", "a.jpg", []byte("same")))
	second := serve(s, uploadRequest(t, "image", "a.jpg", []byte("same")))

	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestProcessImage_PassesRequestContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	decoder := mocks.NewMockDecoder(ctrl)
	embedder := mocks.NewMockEmbedder(ctrl)

	decoder.EXPECT().Decode(gomock.Any()).Return(&imageio.Image{Width: 1, Height: 1, Pix: []byte{0, 0, 0}}, nil)
	embedder.EXPECT().Embed(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ *imageio.Image) ([]types.Face, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := uploadRequest(t, "image", "a.jpg", []byte("x")).WithContext(ctx)

	rec := serve(newServer(decoder, embedder), req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, types.MsgLoadFailed, errorBody(t, rec))
}

func TestCORS(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newServer(mocks.NewMockDecoder(ctrl), mocks.NewMockEmbedder(ctrl))

	t.Run("preflight from allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/process_image", nil)
		req.Header.Set("Origin", testOrigin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)

		rec := serve(s, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
	})

	t.Run("other origin served without allow header", func(t *testing.T) {
		req := uploadRequest(t, "photo", "a.jpg", []byte("x"))
		req.Header.Set("Origin", "http://localhost:3001")

		rec := serve(s, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, types.MsgNoImagePart, errorBody(t, rec))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("other origin still gets embeddings", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		decoder := mocks.NewMockDecoder(ctrl)
		embedder := mocks.NewMockEmbedder(ctrl)
		img := &imageio.Image{Width: 1, Height: 1, Pix: []byte{1, 1, 1}}
		decoder.EXPECT().Decode(gomock.Any()).Return(img, nil)
		embedder.EXPECT().Embed(gomock.Any(), img).Return([]types.Face{{Loc: []int{0, 1, 1, 0}, Vec: vector(0.1)}}, nil)

		req := uploadRequest(t, "image", "a.jpg", []byte("x"))
		req.Header.Set("Origin", "http://evil.example.com")

		rec := serve(newServer(decoder, embedder), req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight from other origin gets no allow header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/process_image", nil)
		req.Header.Set("Origin", "http://localhost:3001")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)

		rec := serve(s, req)

		assert.NotEqual(t, http.StatusForbidden, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("actual request carries allow header", func(t *testing.T) {
		req := uploadRequest(t, "photo", "a.jpg", []byte("x"))
		req.Header.Set("Origin", testOrigin)

		rec := serve(s, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestMethodNotAllowed(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newServer(mocks.NewMockDecoder(ctrl), mocks.NewMockEmbedder(ctrl))

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		rec := serve(s, httptest.NewRequest(method, "/process_image", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
	}
}

type sizedEmbedder struct {
	size, idle int
}

func (e sizedEmbedder) Embed(context.Context, *imageio.Image) ([]types.Face, error) {
	return nil, errors.New("unused")
}
func (e sizedEmbedder) Size() int { return e.size }
func (e sizedEmbedder) Idle() int { return e.idle }

func TestHealthz(t *testing.T) {
	s := newServer(imageio.NewDecoder(0), sizedEmbedder{size: 3, idle: 2})

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 3, body["engines"])
	assert.EqualValues(t, 2, body["engines_idle"])
}

func TestMetricsEndpoint(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newServer(mocks.NewMockDecoder(ctrl), mocks.NewMockEmbedder(ctrl))

	// Produce at least one labelled sample
	serve(s, httptest.NewRequest(http.MethodPost, "/process_image", nil))
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "facevec_requests_total")
}

func TestRequestID(t *testing.T) {
	ctrl := gomock.NewController(t)
	s := newServer(mocks.NewMockDecoder(ctrl), mocks.NewMockEmbedder(ctrl))

	t.Run("echoes a valid id", func(t *testing.T) {
		id := uuid.NewString()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-ID", id)

		rec := serve(s, req)
		assert.Equal(t, id, rec.Header().Get("X-Request-ID"))
	})

	t.Run("replaces a malformed id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-ID", "not-a-uuid")

		rec := serve(s, req)
		got := rec.Header().Get("X-Request-ID")
		_, err := uuid.Parse(got)
		assert.NoError(t, err)
	})
}
