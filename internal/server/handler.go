package server

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/andresmejia3/facevec/internal/imageio"
	"github.com/andresmejia3/facevec/internal/metrics"
	"github.com/andresmejia3/facevec/internal/types"
	"github.com/andresmejia3/facevec/internal/utils"
)

// processImage handles POST /process_image.
// Every failure maps onto one of three client messages; details stay in the server log.
func (s *Server) processImage(c *gin.Context) {
	log := loggerFrom(c, s.logger)

	fileHeader, err := c.FormFile("image")
	if err != nil {
		log.Error("No 'image' field in request", "err", err)
		s.fail(c, http.StatusBadRequest, types.MsgNoImagePart, metrics.OutcomeNoImagePart)
		return
	}
	log.Info("Received file", "filename", fileHeader.Filename, "size", fileHeader.Size)

	img, err := s.load(fileHeader)
	if err != nil {
		log.Error("Error loading image", "filename", fileHeader.Filename, "err", err)
		s.fail(c, http.StatusInternalServerError, types.MsgLoadFailed, metrics.OutcomeLoadFailed)
		return
	}

	start := time.Now()
	faces, err := s.embedder.Embed(c.Request.Context(), img)
	if err != nil {
		// Extraction failures share the load-failure response
		log.Error("Error extracting face embedding", "filename", fileHeader.Filename, "err", err)
		s.fail(c, http.StatusInternalServerError, types.MsgLoadFailed, metrics.OutcomeLoadFailed)
		return
	}
	metrics.RecordEmbed(time.Since(start).Seconds(), len(faces))

	if len(faces) == 0 {
		log.Warn("No face found in the image", "filename", fileHeader.Filename)
		s.fail(c, http.StatusBadRequest, types.MsgNoFaceFound, metrics.OutcomeNoFace)
		return
	}
	if len(faces) > 1 {
		// Only the first face is surfaced; order is whatever the engine reports
		log.Debug("Multiple faces detected, using the first", "faces", len(faces))
	}

	embedding := faces[0].Vec
	if len(embedding) == 0 || !utils.AllFinite(embedding) {
		log.Error("Engine returned an unusable embedding", "filename", fileHeader.Filename, "dim", len(embedding))
		s.fail(c, http.StatusInternalServerError, types.MsgLoadFailed, metrics.OutcomeLoadFailed)
		return
	}

	log.Info("Face embedding successfully generated", "filename", fileHeader.Filename, "dim", len(embedding))
	metrics.RecordRequest(metrics.OutcomeOK)
	c.JSON(http.StatusOK, types.EmbeddingResult{Embedding: embedding})
}

// load opens the uploaded part and decodes it. Open and decode failures are not told apart.
func (s *Server) load(fileHeader *multipart.FileHeader) (*imageio.Image, error) {
	file, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	return s.decoder.Decode(file)
}

func (s *Server) fail(c *gin.Context, status int, msg, outcome string) {
	metrics.RecordRequest(outcome)
	c.JSON(status, types.ErrorResult{Error: msg})
}

// healthz reports liveness and, when the embedder is a pool, its engine counts.
func (s *Server) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if p, ok := s.embedder.(interface {
		Size() int
		Idle() int
	}); ok {
		body["engines"] = p.Size()
		body["engines_idle"] = p.Idle()
	}
	c.JSON(http.StatusOK, body)
}
