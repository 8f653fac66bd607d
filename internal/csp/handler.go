package csp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
)

// ErrMalformedReport is returned for bodies that are not valid reports.
var ErrMalformedReport = errors.New("malformed csp report")

const maxReportBytes = 64 << 10

// reportingAPIReport is one entry of an application/reports+json array.
type reportingAPIReport struct {
	Type string           `json:"type"`
	URL  string           `json:"url"`
	Body reportingAPIBody `json:"body"`
}

type reportingAPIBody struct {
	DocumentURL        string `json:"documentURL"`
	Referrer           string `json:"referrer"`
	EffectiveDirective string `json:"effectiveDirective"`
	OriginalPolicy     string `json:"originalPolicy"`
	BlockedURL         string `json:"blockedURL"`
	SourceFile         string `json:"sourceFile"`
	LineNumber         int    `json:"lineNumber"`
	ColumnNumber       int    `json:"columnNumber"`
	StatusCode         int    `json:"statusCode"`
	Disposition        string `json:"disposition"`
	Sample             string `json:"sample"`
}

func (b reportingAPIBody) violation() Violation {
	return Violation{
		DocumentURI:        b.DocumentURL,
		Referrer:           b.Referrer,
		ViolatedDirective:  b.EffectiveDirective,
		EffectiveDirective: b.EffectiveDirective,
		OriginalPolicy:     b.OriginalPolicy,
		BlockedURI:         b.BlockedURL,
		SourceFile:         b.SourceFile,
		LineNumber:         b.LineNumber,
		ColumnNumber:       b.ColumnNumber,
		StatusCode:         b.StatusCode,
		Disposition:        b.Disposition,
		ScriptSample:       b.Sample,
	}
}

// Parse decodes a report body of the given content type. Legacy
// application/csp-report bodies hold one violation; application/reports+json
// arrays may hold several, and entries of other report types are skipped.
// Either every returned violation is valid or an error wrapping
// ErrMalformedReport is returned.
func Parse(contentType string, body []byte) ([]Violation, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	var violations []Violation
	switch mediaType {
	case ContentType, "application/json":
		var legacy legacyReport
		if err := json.Unmarshal(body, &legacy); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
		}
		violations = []Violation{legacy.Report}
	case "application/reports+json":
		var reports []reportingAPIReport
		if err := json.Unmarshal(body, &reports); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
		}
		for _, rep := range reports {
			if rep.Type != "csp-violation" {
				continue
			}
			v := rep.Body.violation()
			if v.DocumentURI == "" {
				v.DocumentURI = rep.URL
			}
			violations = append(violations, v)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported content type %q", ErrMalformedReport, contentType)
	}

	for i, v := range violations {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: report %d: %v", ErrMalformedReport, i, err)
		}
	}
	return violations, nil
}

// Handler accepts browser violation reports. Accepted reports get 204,
// malformed ones 400 with nothing recorded.
func (r *Reporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxReportBytes))
		if err != nil {
			http.Error(w, "report too large", http.StatusRequestEntityTooLarge)
			return
		}

		violations, err := Parse(req.Header.Get("Content-Type"), body)
		if err != nil {
			r.logger.Debug().Err(err).Str("remote", req.RemoteAddr).Msg("rejected csp report")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		for _, v := range violations {
			r.Report(v)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
