package api

import (
	"bytes"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const maxUploadSize = 10 << 20 // 10MB

type uploadResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int    `json:"size"`
	Text     string `json:"text,omitempty"`
}

// handleUpload accepts a multipart attachment, extracts its text when it is a
// PDF and returns a file reference the front-end can pass back as file_id on
// chat requests. Plain-text files pass their content through unchanged;
// binary files yield an empty text field. The extracted text is persisted so
// chat requests referencing the id forward it to the agent as input context.
func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file field is required: %v", err)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading upload: %v", err)
			return
		}

		var text string
		if strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
			text, err = pdfText(data)
			if err != nil {
				deps.logger().Warn("pdf text extraction failed",
					"filename", header.Filename, "error", err)
				httpError(w, http.StatusUnprocessableEntity, "invalid_request_error",
					"could not extract text from PDF: %v", err)
				return
			}
		} else if utf8.Valid(data) {
			text = string(data)
		}

		att, err := deps.Store.SaveAttachment(header.Filename, text)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving attachment: %v", err)
			return
		}

		writeJSON(w, uploadResponse{
			ID:       att.ID,
			Filename: att.Filename,
			Size:     len(data),
			Text:     att.Text,
		})
	}
}

func pdfText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}
