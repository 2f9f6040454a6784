// Package tailnet resolves a Target's TailnetDevice name to a dialable
// address by querying the Tailscale API, for targets that name a device
// instead of a fixed host:port (spec.md §3's Target.Address).
package tailnet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const apiBase = "https://api.tailscale.com/api/v2"

// Resolver looks up tailnet device addresses through the Tailscale API and
// caches the result for a bounded time, since a deploy may resolve the same
// device many times across phases.
type Resolver struct {
	httpClient *http.Client
	apiKey     string
	tailnet    string

	ttl   time.Duration
	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	address string
	at      time.Time
}

// New builds a Resolver. apiKey defaults to the TAILSCALE_API_KEY
// environment variable when empty; tailnet defaults to "-" (the API's
// shorthand for the key's own tailnet).
func New(apiKey, tailnetName string) (*Resolver, error) {
	if apiKey == "" {
		apiKey = os.Getenv("TAILSCALE_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("tailnet: TAILSCALE_API_KEY not set")
	}
	if tailnetName == "" {
		tailnetName = "-"
	}
	return &Resolver{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     apiKey,
		tailnet:    tailnetName,
		ttl:        5 * time.Minute,
		cache:      make(map[string]cacheEntry),
	}, nil
}

type device struct {
	ID        string   `json:"id"`
	Hostname  string   `json:"hostname"`
	Name      string   `json:"name"`
	Addresses []string `json:"addresses"`
}

type listDevicesResponse struct {
	Devices []device `json:"devices"`
}

// Resolve returns the first tailnet IP address for deviceName, matching on
// either the device's bare hostname or its full magicDNS name.
func (r *Resolver) Resolve(ctx context.Context, deviceName string) (string, error) {
	r.mu.Lock()
	if e, ok := r.cache[deviceName]; ok && time.Since(e.at) < r.ttl {
		r.mu.Unlock()
		return e.address, nil
	}
	r.mu.Unlock()

	devices, err := r.listDevices(ctx)
	if err != nil {
		return "", fmt.Errorf("tailnet: list devices: %w", err)
	}

	for _, d := range devices {
		if d.Hostname != deviceName && d.Name != deviceName && !strings.HasPrefix(d.Name, deviceName+".") {
			continue
		}
		if len(d.Addresses) == 0 {
			return "", fmt.Errorf("tailnet: device %q has no addresses", deviceName)
		}
		addr := d.Addresses[0]
		r.mu.Lock()
		r.cache[deviceName] = cacheEntry{address: addr, at: time.Now()}
		r.mu.Unlock()
		return addr, nil
	}
	return "", fmt.Errorf("tailnet: device %q not found", deviceName)
}

func (r *Resolver) listDevices(ctx context.Context) ([]device, error) {
	url := fmt.Sprintf("%s/tailnet/%s/devices", apiBase, r.tailnet)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devices request failed %d: %s", resp.StatusCode, string(body))
	}

	var out listDevicesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse devices response: %w", err)
	}
	return out.Devices, nil
}

// ResolveTargetAddress fills in addr when it is empty and device names a
// tailnet device, otherwise returns addr unchanged.
func ResolveTargetAddress(ctx context.Context, r *Resolver, addr, device string) (string, error) {
	if addr != "" || device == "" {
		return addr, nil
	}
	return r.Resolve(ctx, device)
}
