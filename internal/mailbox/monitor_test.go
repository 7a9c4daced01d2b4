package mailbox

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/retry"
)

// fakeIMAP simulates one mailbox session: a fixed set of unseen messages
// served on the first search, then an idle that blocks until stopped.
type fakeIMAP struct {
	mu         sync.Mutex
	unseen     []string
	selectErr  error
	searchErr  error
	stored     []uint32
	noops      int
	logouts    int
	updates    chan client.Update
	idleCalled chan struct{}
}

func newFakeIMAP(unseen ...string) *fakeIMAP {
	return &fakeIMAP{
		unseen:     unseen,
		updates:    make(chan client.Update, 4),
		idleCalled: make(chan struct{}, 16),
	}
}

func (f *fakeIMAP) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	return &imap.MailboxStatus{Name: name}, nil
}

func (f *fakeIMAP) Idle(stop <-chan struct{}, opts *client.IdleOptions) error {
	select {
	case f.idleCalled <- struct{}{}:
	default:
	}
	<-stop
	return nil
}

func (f *fakeIMAP) Search(criteria *imap.SearchCriteria) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	ids := make([]uint32, len(f.unseen))
	for i := range f.unseen {
		ids[i] = uint32(i + 1)
	}
	return ids, nil
}

func (f *fakeIMAP) Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	f.mu.Lock()
	raws := f.unseen
	f.mu.Unlock()

	// Servers answer a .PEEK fetch with the plain section name.
	section := &imap.BodySectionName{}
	for i, raw := range raws {
		msg := &imap.Message{
			SeqNum: uint32(i + 1),
			Body: map[*imap.BodySectionName]imap.Literal{
				section: bytes.NewBufferString(raw),
			},
		}
		ch <- msg
	}
	close(ch)
	return nil
}

func (f *fakeIMAP) Store(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.unseen {
		f.stored = append(f.stored, uint32(i+1))
	}
	// Marked seen: the next search has nothing to report.
	f.unseen = nil
	return nil
}

func (f *fakeIMAP) Noop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noops++
	return nil
}

func (f *fakeIMAP) Logout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeIMAP) Updates() <-chan client.Update { return f.updates }

func (f *fakeIMAP) storedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func testPool(t *testing.T, dialer Dialer, size int) *Pool {
	t.Helper()
	p, err := NewPool(Config{
		Host:          "mail.example",
		Port:          993,
		PoolSize:      size,
		Folder:        "INBOX",
		ProbeInterval: time.Hour,
		IdleTimeout:   time.Hour,
		Reconnect:     retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond},
		Dialer:        dialer,
	}, nil)
	require.NoError(t, err)
	return p
}

func TestMonitorEmitsNewMessages(t *testing.T) {
	fake := newFakeIMAP(rawTestEmail)
	pool := testPool(t, func(cfg Config) (Client, error) { return fake, nil }, 1)

	m := NewMonitor(pool, 4, nil)
	require.NoError(t, m.Start(context.Background()))

	select {
	case item := <-m.Items():
		assert.Equal(t, "jordan@acmefunding.example", item.Sender)
		require.Len(t, item.Attachments, 1)
		assert.Equal(t, "application.pdf", item.Attachments[0].Filename)
	case <-time.After(time.Second):
		t.Fatal("no item emitted")
	}

	// The drained message was marked seen after the emit.
	require.Eventually(t, func() bool { return fake.storedCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Shutdown(2*time.Second))
	assert.Equal(t, SessionClosed, pool.Sessions()[0].State())
}

func TestMonitorStartTwice(t *testing.T) {
	fake := newFakeIMAP()
	pool := testPool(t, func(cfg Config) (Client, error) { return fake, nil }, 1)

	m := NewMonitor(pool, 4, nil)
	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))
	require.NoError(t, m.Shutdown(2*time.Second))
}

func TestMonitorUpdateTriggersRefetch(t *testing.T) {
	fake := newFakeIMAP()
	pool := testPool(t, func(cfg Config) (Client, error) { return fake, nil }, 1)

	m := NewMonitor(pool, 4, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown(2 * time.Second)

	// Wait for the session to park in IDLE, then arrange new mail and
	// wake it with a mailbox update.
	select {
	case <-fake.idleCalled:
	case <-time.After(time.Second):
		t.Fatal("session never idled")
	}

	fake.mu.Lock()
	fake.unseen = []string{rawTestEmail}
	fake.mu.Unlock()
	fake.updates <- &client.MailboxUpdate{}

	select {
	case item := <-m.Items():
		assert.Equal(t, "Loan Application - Acme LLC", item.Subject)
	case <-time.After(time.Second):
		t.Fatal("update did not trigger a fetch")
	}
}

func TestMonitorReconnectsFailedSession(t *testing.T) {
	bad := newFakeIMAP()
	bad.selectErr = errors.New("connection reset")
	good := newFakeIMAP(rawTestEmail)

	var mu sync.Mutex
	dials := 0
	dialer := func(cfg Config) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return bad, nil
		}
		return good, nil
	}

	pool := testPool(t, dialer, 1)
	m := NewMonitor(pool, 4, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown(2 * time.Second)

	// The failing session is replaced and the replacement drains mail.
	select {
	case item := <-m.Items():
		assert.Equal(t, "jordan@acmefunding.example", item.Sender)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not recover")
	}
	assert.GreaterOrEqual(t, pool.Sessions()[0].State(), SessionIdle)
}

func TestMonitorOneBadSessionDoesNotBlockOthers(t *testing.T) {
	stuck := newFakeIMAP()
	stuck.selectErr = errors.New("permanently broken")
	healthy := newFakeIMAP(rawTestEmail)

	var mu sync.Mutex
	dialCount := 0
	dialer := func(cfg Config) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		dialCount++
		if dialCount == 1 {
			return stuck, nil
		}
		if dialCount == 2 {
			return healthy, nil
		}
		// Reconnect attempts for the stuck session keep failing.
		return nil, errors.New("connection refused")
	}

	pool := testPool(t, dialer, 2)
	m := NewMonitor(pool, 4, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown(2 * time.Second)

	select {
	case item := <-m.Items():
		assert.Equal(t, "jordan@acmefunding.example", item.Sender)
	case <-time.After(2 * time.Second):
		t.Fatal("healthy session was blocked by the failing one")
	}
}

func TestPoolDegraded(t *testing.T) {
	fake := newFakeIMAP()
	pool := testPool(t, func(cfg Config) (Client, error) { return fake, nil }, 1)

	assert.False(t, pool.Degraded())
	pool.Sessions()[0].mu.Lock()
	pool.Sessions()[0].degraded = true
	pool.Sessions()[0].mu.Unlock()
	assert.True(t, pool.Degraded())
}
