package api

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coal/shieldwall/internal/sanitizer"
)

const maxContentBytes = 1 << 20

// SanitizeRequest is the body of POST /api/sanitize.
type SanitizeRequest struct {
	Content string `json:"content"`
	Source  string `json:"source"`
	// Policy is "strict" or "preview". Empty uses the configured default.
	Policy string `json:"policy,omitempty"`
}

func (r SanitizeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Source, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.Content, validation.Length(0, maxContentBytes)),
		validation.Field(&r.Policy, validation.By(func(v interface{}) error {
			if v.(string) == "" {
				return nil
			}
			_, err := sanitizer.ByName(v.(string))
			return err
		})),
	)
}

// ValidateRequest is the body of POST /api/validate.
type ValidateRequest struct {
	Field   string `json:"field"`
	Content string `json:"content"`
}

func (r ValidateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Field, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.Content, validation.Length(0, maxContentBytes)),
	)
}

// TextRequest is the body of POST /api/escape and POST /api/strip.
type TextRequest struct {
	Content string `json:"content"`
}

func (r TextRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Content, validation.Length(0, maxContentBytes)),
	)
}

// UploadRequest is the body of POST /api/uploads/check.
type UploadRequest struct {
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
	MIMEType string `json:"mime_type"`
}

func (r UploadRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Size, validation.Min(int64(0))),
		validation.Field(&r.FileName, validation.Length(0, 255)),
	)
}

// AdmitRequest is the body of POST /api/ratelimit/check.
type AdmitRequest struct {
	Action     string `json:"action"`
	Identifier string `json:"identifier,omitempty"`
}

func (r AdmitRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Action, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Identifier, validation.Length(0, 256)),
	)
}
