package monitor

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	redislib "github.com/redis/go-redis/v9"
)

type sizedJournal int

func (j sizedJournal) Size() (int, error) { return int(j), nil }

func TestMonitorTracksRedisAndJournal(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redislib.NewClient(&redislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m := New("memory", nil, client, sizedJournal(3), 0, nil)
	m.Refresh()
	status := m.GetStatus()
	if !status.Redis || !status.Journal || status.JournalSize != 3 || status.Storage != "memory" {
		t.Fatalf("unexpected status %+v", status)
	}
	if !m.IsOnline() {
		t.Fatal("expected online without postgres configured")
	}

	mr.Close()
	m.Refresh()
	if m.GetStatus().Redis || m.IsOnline() {
		t.Fatalf("expected redis outage to be reported, got %+v", m.GetStatus())
	}
	m.Stop()
	m.Stop()
}
