package transport

import "github.com/fastygo/orgcore/domain"

type ResumeRequest struct {
	FromStep      string `json:"from_step"`
	SkipSubdomain bool   `json:"skip_subdomain"`
}

type CheckRequest struct {
	Principal  string           `json:"principal"`
	Permission string           `json:"permission"`
	Scope      domain.ScopePath `json:"scope"`
}
