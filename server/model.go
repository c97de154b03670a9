package server

import (
	"path/filepath"

	"github.com/dcmshare/dcmrelay/scu"
)

type (
	FetchRequest struct {
		Ref string `json:"ref"`
	}
	ForwardResponse struct {
		Sent     int           `json:"sent"`
		Warnings int           `json:"warnings"`
		Skipped  []SkippedFile `json:"skipped,omitempty"`
		Error    string        `json:"error,omitempty"`
	}
	SkippedFile struct {
		Name  string `json:"name"`
		Error string `json:"error"`
	}
)

func newForwardResponse(report *scu.Report, err error) ForwardResponse {
	var resp ForwardResponse
	if report != nil {
		resp.Sent = report.Sent
		resp.Warnings = report.Warnings
		for _, s := range report.Skipped {
			// Job directories are temporary; only the instance name is useful.
			resp.Skipped = append(resp.Skipped, SkippedFile{Name: filepath.Base(s.Path), Error: s.Err.Error()})
		}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}
