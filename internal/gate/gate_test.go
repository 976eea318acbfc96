package gate

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twoyi/internal/logging"
)

// memoryHost is an in-memory Host that also records answers.
type memoryHost struct {
	mu       sync.Mutex
	statuses map[Capability]Status
	queries  int
	requests []Capability
	settings []Capability
	fail     error
}

func newMemoryHost(statuses map[Capability]Status) *memoryHost {
	if statuses == nil {
		statuses = make(map[Capability]Status)
	}
	return &memoryHost{statuses: statuses}
}

func (h *memoryHost) Query(c Capability) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queries++
	return h.statuses[c]
}

func (h *memoryHost) Request(c Capability) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, c)
}

func (h *memoryHost) OpenSettings(c Capability) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settings = append(h.settings, c)
}

func (h *memoryHost) Record(c Capability, s Status) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		return h.fail
	}
	h.statuses[c] = s
	return nil
}

func TestGateEnter(t *testing.T) {
	tests := []struct {
		name     string
		statuses map[Capability]Status
		action   Action
		cap      Capability
	}{
		{
			name:   "nothing granted asks for notifications first",
			action: Requested,
			cap:    Notifications,
		},
		{
			name:     "unknown and denied are both requestable in order",
			statuses: map[Capability]Status{Notifications: Granted, Storage: Denied, Foreground: Unknown},
			action:   Requested,
			cap:      Storage,
		},
		{
			name:     "unknown is requested before permanently denied",
			statuses: map[Capability]Status{Notifications: PermanentlyDenied, Storage: Granted, Foreground: Unknown},
			action:   Requested,
			cap:      Foreground,
		},
		{
			name:     "storage follows notifications",
			statuses: map[Capability]Status{Notifications: Granted},
			action:   Requested,
			cap:      Storage,
		},
		{
			name:     "denied is requested before permanently denied",
			statuses: map[Capability]Status{Notifications: PermanentlyDenied, Storage: Granted, Foreground: Denied},
			action:   Requested,
			cap:      Foreground,
		},
		{
			name:     "permanently denied routes to settings",
			statuses: map[Capability]Status{Notifications: Granted, Storage: PermanentlyDenied, Foreground: PermanentlyDenied},
			action:   Settings,
			cap:      Storage,
		},
		{
			name:     "all granted advances",
			statuses: map[Capability]Status{Notifications: Granted, Storage: Granted, Foreground: Granted},
			action:   Advance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newMemoryHost(tt.statuses)
			g := New(host, nil, logging.Discard())

			d := g.Enter()
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.cap, d.Capability)
			assert.Len(t, d.Statuses, len(Order), "every capability is queried")

			switch tt.action {
			case Requested:
				assert.Equal(t, []Capability{tt.cap}, host.requests)
				assert.Empty(t, host.settings)
			case Settings:
				assert.Equal(t, []Capability{tt.cap}, host.settings)
				assert.Empty(t, host.requests)
			case Advance:
				assert.Empty(t, host.requests)
				assert.Empty(t, host.settings)
			}
		})
	}
}

func TestGateReentryRequeries(t *testing.T) {
	host := newMemoryHost(nil)
	g := New(host, nil, logging.Discard())

	for _, c := range Order {
		d := g.Enter()
		require.Equal(t, Requested, d.Action)
		require.Equal(t, c, d.Capability)
		require.NoError(t, host.Record(c, Granted))
	}

	d := g.Enter()
	assert.Equal(t, Advance, d.Action)
	assert.Equal(t, 4*len(Order), host.queries)

	// A grant revoked between entries is noticed on the next entry.
	host.statuses[Storage] = Denied
	d = g.Enter()
	assert.Equal(t, Requested, d.Action)
	assert.Equal(t, Storage, d.Capability)
}

func TestGateCustomOrder(t *testing.T) {
	host := newMemoryHost(nil)
	g := New(host, []Capability{Storage, Notifications}, logging.Discard())

	assert.Equal(t, []Capability{Storage, Notifications}, g.Capabilities())
	assert.Equal(t, Storage, g.Enter().Capability)
}

func TestGateCheck(t *testing.T) {
	host := newMemoryHost(map[Capability]Status{Notifications: Granted, Foreground: PermanentlyDenied})
	g := New(host, nil, logging.Discard())

	err := g.Check()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermissionRefused))

	var refused *RefusedError
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, []Capability{Storage, Foreground}, refused.Outstanding)
	assert.Contains(t, err.Error(), "storage, foreground")
	assert.Empty(t, host.requests, "Check never prompts")

	assert.Equal(t, map[Capability]Status{
		Notifications: Granted,
		Storage:       Unknown,
		Foreground:    PermanentlyDenied,
	}, g.Statuses())
	assert.Empty(t, host.settings, "Statuses never opens settings")

	host.statuses[Storage] = Granted
	host.statuses[Foreground] = Granted
	assert.NoError(t, g.Check())
}

func TestStatusRequestable(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{Unknown, true},
		{Denied, true},
		{Granted, false},
		{PermanentlyDenied, false},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Requestable())
		})
	}
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		in   string
		want Status
		err  bool
	}{
		{"granted", Granted, false},
		{"GRANTED", Granted, false},
		{"denied", Denied, false},
		{"unknown", Unknown, false},
		{"", Unknown, false},
		{"permanently_denied", PermanentlyDenied, false},
		{"never", PermanentlyDenied, false},
		{"maybe", Unknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var s Status
			err := s.UnmarshalText([]byte(tt.in))
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s)
		})
	}

	text, err := PermanentlyDenied.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "permanently_denied", string(text))
	assert.Equal(t, "Status(7)", Status(7).String())
	assert.Equal(t, "unknown", Status(0).String(), "the zero value is unknown")
	assert.Equal(t, "settings", Settings.String())
}
