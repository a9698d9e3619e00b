package dns

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type fakeAPI struct {
	mu      sync.Mutex
	records map[string]recordRequest
	auth    []string
}

func (f *fakeAPI) handle(ctx *fasthttp.RequestCtx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, string(ctx.Request.Header.Peek("Authorization")))

	path := string(ctx.Path())
	switch {
	case ctx.IsPost() && path == "/v1/zones/example.test/records":
		var req recordRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		f.records["rec-1"] = req
		ctx.SetStatusCode(fasthttp.StatusCreated)
		ctx.SetBodyString(`{"id":"rec-1"}`)
	case ctx.IsDelete() && path == "/v1/zones/example.test/records/rec-1":
		if _, ok := f.records["rec-1"]; !ok {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		delete(f.records, "rec-1")
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	default:
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString("boom")
	}
}

func newTestProvider(t *testing.T) (*HTTPProvider, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{records: make(map[string]recordRequest)}
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: api.handle}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	p := NewHTTPProvider(ProviderConfig{BaseURL: "http://dns.local/v1/", Zone: "example.test", Token: "secret"}, nil)
	p.client.Dial = func(string) (net.Conn, error) { return ln.Dial() }
	return p, api
}

func TestHTTPProviderCreatesAndDeletes(t *testing.T) {
	p, api := newTestProvider(t)
	ctx := context.Background()

	id, err := p.CreateRecord(ctx, "acme.example.test", "lb.example.test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "rec-1" {
		t.Fatalf("unexpected record id %q", id)
	}
	rec := api.records["rec-1"]
	if rec.Type != "CNAME" || rec.Name != "acme.example.test" || rec.Content != "lb.example.test" || rec.TTL != 300 {
		t.Fatalf("unexpected record %+v", rec)
	}

	if err := p.DeleteRecord(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := p.DeleteRecord(ctx, id); err != nil {
		t.Fatalf("expected deleting a missing record to succeed, got %v", err)
	}
	for _, h := range api.auth {
		if h != "Bearer secret" {
			t.Fatalf("unexpected authorization header %q", h)
		}
	}
}

func TestHTTPProviderSurfacesServerErrors(t *testing.T) {
	p, _ := newTestProvider(t)
	if err := p.DeleteRecord(context.Background(), "other"); err == nil {
		t.Fatal("expected error for unexpected status")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.CreateRecord(ctx, "acme.example.test", "10.0.0.1"); err == nil {
		t.Fatal("expected cancelled context to abort the call")
	}
}

func TestRecordType(t *testing.T) {
	cases := map[string]string{
		"10.0.0.1":        "A",
		"2001:db8::1":     "AAAA",
		"lb.example.test": "CNAME",
	}
	for target, want := range cases {
		if got := RecordType(target); got != want {
			t.Errorf("%s: expected %s, got %s", target, want, got)
		}
	}
}

func TestResolverHelpers(t *testing.T) {
	r := NewNameserverResolver("127.0.0.1", time.Second)
	if r.Name() != "127.0.0.1:53" {
		t.Fatalf("unexpected resolver name %q", r.Name())
	}
	if !sameHost("LB.example.test.", "lb.example.test") {
		t.Fatal("expected hosts to compare equal")
	}
	ok, err := notFound(&net.DNSError{Err: "no such host", IsNotFound: true})
	if ok || err != nil {
		t.Fatalf("expected NXDOMAIN to be a negative answer, got %v %v", ok, err)
	}
	if _, err := notFound(&net.DNSError{Err: "timeout", IsTimeout: true}); err == nil {
		t.Fatal("expected timeout to be an error")
	}
	if got := NewResolvers([]string{"1.1.1.1:53", "8.8.8.8"}, 0); len(got) != 2 {
		t.Fatalf("expected two resolvers, got %d", len(got))
	}
}
