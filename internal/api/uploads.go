package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/storage"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	allowedAudio = []string{"audio/mpeg", "audio/wav", "audio/x-m4a", "audio/mp4"}
	allowedImage = []string{"image/png", "image/jpeg", "image/webp"}
)

// multipartOverhead covers boundaries and headers on top of the file caps.
const multipartOverhead = 1 << 20

// tooLargeError is a ValidationError answered with 413.
type tooLargeError struct {
	*models.ValidationError
}

// UploadMedia handles POST /v1/uploads. It takes multipart fields "audio"
// and "image", checks size and sniffed format, and stores both.
func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxAudioBytes+h.limits.MaxImageBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondUploadError(w, &tooLargeError{&models.ValidationError{Field: "body", Message: "upload exceeds the size limit"}})
			return
		}
		respondUploadError(w, &models.ValidationError{Field: "body", Message: "expected multipart form with audio and image"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	audio, audioType, err := readUpload(r, "audio", h.limits.MaxAudioBytes, allowedAudio)
	if err != nil {
		respondUploadError(w, err)
		return
	}
	image, imageType, err := readUpload(r, "image", h.limits.MaxImageBytes, allowedImage)
	if err != nil {
		respondUploadError(w, err)
		return
	}

	resp := models.UploadResponse{
		AudioUploadID: uuid.New(),
		ImageUploadID: uuid.New(),
	}
	audioKey := storage.UploadKey(resp.AudioUploadID, audioType.Extension())
	imageKey := storage.UploadKey(resp.ImageUploadID, imageType.Extension())

	if err := h.storage.Upload(r.Context(), audioKey, audio, audioType.String()); err != nil {
		h.logger.Error("failed to store audio upload", zap.String("key", audioKey), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to store audio")
		return
	}
	if err := h.storage.Upload(r.Context(), imageKey, image, imageType.String()); err != nil {
		h.logger.Error("failed to store image upload", zap.String("key", imageKey), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to store image")
		return
	}

	resp.AudioURL = h.storage.PublicURL(audioKey)
	resp.ImageURL = h.storage.PublicURL(imageKey)

	h.logger.Info("upload stored",
		zap.String("audio_key", audioKey),
		zap.String("audio_type", audioType.String()),
		zap.Int("audio_bytes", len(audio)),
		zap.String("image_key", imageKey),
		zap.String("image_type", imageType.String()),
		zap.Int("image_bytes", len(image)))

	respondJSON(w, http.StatusCreated, resp)
}

func readUpload(r *http.Request, field string, limit int64, allowed []string) ([]byte, *mimetype.MIME, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, nil, &models.ValidationError{Field: field, Message: "file is required"}
	}
	defer file.Close()

	if header.Size > limit {
		return nil, nil, &tooLargeError{&models.ValidationError{
			Field:   field,
			Message: fmt.Sprintf("file is %d bytes, the limit is %d", header.Size, limit),
		}}
	}

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, nil, &models.ValidationError{Field: field, Message: "failed to read file"}
	}
	if int64(len(data)) > limit {
		return nil, nil, &tooLargeError{&models.ValidationError{Field: field, Message: fmt.Sprintf("the limit is %d bytes", limit)}}
	}
	if len(data) == 0 {
		return nil, nil, &models.ValidationError{Field: field, Message: "file is empty"}
	}

	mtype := mimetype.Detect(data)
	for _, a := range allowed {
		if mtype.Is(a) {
			return data, mtype, nil
		}
	}
	return nil, nil, &models.ValidationError{
		Field:   field,
		Message: fmt.Sprintf("unsupported format %s", mtype.String()),
	}
}

func respondUploadError(w http.ResponseWriter, err error) {
	var tooBig *tooLargeError
	if errors.As(err, &tooBig) {
		respondJSON(w, http.StatusRequestEntityTooLarge, validationResponse{
			Error:   tooBig.Message,
			Kind:    string(models.ErrorKindValidation),
			Details: []fieldError{{Field: tooBig.Field, Rule: "max_size"}},
		})
		return
	}
	respondValidation(w, err)
}
