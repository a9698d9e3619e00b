package dns

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/orgcore/usecase/bootstrap"
)

var _ bootstrap.DNSProvider = (*HTTPProvider)(nil)

// HTTPProvider manages records through a REST DNS API of the shape
//
//	POST   {base}/zones/{zone}/records      {"type","name","content","ttl"} -> {"id"}
//	DELETE {base}/zones/{zone}/records/{id}
type HTTPProvider struct {
	client  *fasthttp.Client
	baseURL string
	zone    string
	token   string
	ttl     int
	timeout time.Duration
	logger  *zap.Logger
}

type ProviderConfig struct {
	BaseURL string
	Zone    string
	Token   string
	Timeout time.Duration
	// TTL of created records in seconds.
	TTL int
}

func NewHTTPProvider(cfg ProviderConfig, logger *zap.Logger) *HTTPProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 300
	}
	return &HTTPProvider{
		client: &fasthttp.Client{
			Name:                "orgcore-dns",
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: time.Minute,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		zone:    cfg.Zone,
		token:   cfg.Token,
		ttl:     cfg.TTL,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

type recordRequest struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
}

type recordResponse struct {
	ID string `json:"id"`
}

// RecordType picks A, AAAA or CNAME for target.
func RecordType(target string) string {
	ip := net.ParseIP(target)
	switch {
	case ip == nil:
		return "CNAME"
	case ip.To4() != nil:
		return "A"
	default:
		return "AAAA"
	}
}

func (p *HTTPProvider) CreateRecord(ctx context.Context, fqdn, target string) (string, error) {
	body, err := json.Marshal(recordRequest{Type: RecordType(target), Name: fqdn, Content: target, TTL: p.ttl})
	if err != nil {
		return "", err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.recordsURL())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	p.authorize(req)
	req.SetBody(body)

	if err := p.do(ctx, req, resp); err != nil {
		return "", err
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK && code != fasthttp.StatusCreated {
		return "", fmt.Errorf("create record %s: unexpected status %d: %s", fqdn, code, truncate(resp.Body()))
	}

	var out recordResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode create record response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create record %s: provider returned no id", fqdn)
	}
	p.logger.Info("dns record created", zap.String("fqdn", fqdn), zap.String("target", target), zap.String("record_id", out.ID))
	return out.ID, nil
}

// DeleteRecord treats 404 as already deleted.
func (p *HTTPProvider) DeleteRecord(ctx context.Context, recordID string) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.recordsURL() + "/" + recordID)
	req.Header.SetMethod(fasthttp.MethodDelete)
	p.authorize(req)

	if err := p.do(ctx, req, resp); err != nil {
		return err
	}
	switch code := resp.StatusCode(); code {
	case fasthttp.StatusOK, fasthttp.StatusNoContent, fasthttp.StatusAccepted:
		p.logger.Info("dns record deleted", zap.String("record_id", recordID))
		return nil
	case fasthttp.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("delete record %s: unexpected status %d: %s", recordID, code, truncate(resp.Body()))
	}
}

func (p *HTTPProvider) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.client.DoTimeout(req, resp, timeout)
}

func (p *HTTPProvider) authorize(req *fasthttp.Request) {
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
}

func (p *HTTPProvider) recordsURL() string {
	return fmt.Sprintf("%s/zones/%s/records", p.baseURL, p.zone)
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
