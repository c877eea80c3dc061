package hybrid

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/erp/possync/internal/infrastructure/remote"
)

var fakeNaturalKeys = map[string]string{
	"products":  "code",
	"customers": "document",
	"users":     "username",
	"sales":     "number",
}

// fakeRemote is an in-memory central server with the same conflict and
// not-found answers as the real one
type fakeRemote struct {
	mu      sync.Mutex
	offline bool
	failing map[string]error
	records map[string][]map[string]any
	keys    []string
	calls   []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		failing: make(map[string]error),
		records: make(map[string][]map[string]any),
	}
}

func (f *fakeRemote) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeRemote) fail(gid string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failing, gid)
		return
	}
	f.failing[gid] = err
}

func (f *fakeRemote) seed(resource string, rec map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := rec["active"]; !ok {
		rec["active"] = true
	}
	f.records[resource] = append(f.records[resource], rec)
}

func (f *fakeRemote) get(resource, gid string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(resource, gid)
}

func (f *fakeRemote) count(resource string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records[resource])
}

func (f *fakeRemote) idempotencyKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func (f *fakeRemote) find(resource, gid string) map[string]any {
	for _, rec := range f.records[resource] {
		if rec["global_id"] == gid {
			return rec
		}
	}
	return nil
}

func (f *fakeRemote) enter(method, resource, gid string, opts []remote.CallOption) error {
	req, _ := http.NewRequest(method, "http://central.test/", nil)
	for _, o := range opts {
		o(req)
	}
	if key := req.Header.Get(remote.IdempotencyHeader); key != "" {
		f.keys = append(f.keys, key)
	}
	f.calls = append(f.calls, method+" "+resource+"/"+gid)
	if f.offline {
		return &remote.Error{Kind: remote.KindNetwork, Message: "connection refused"}
	}
	if err, ok := f.failing[gid]; ok {
		return err
	}
	return nil
}

func toMap(v any) map[string]any {
	data, _ := json.Marshal(v)
	out := map[string]any{}
	_ = json.Unmarshal(data, &out)
	return out
}

func (f *fakeRemote) Online(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline
}

func (f *fakeRemote) List(ctx context.Context, resource string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(http.MethodGet, resource, "", nil); err != nil {
		return err
	}
	rows := f.records[resource]
	if rows == nil {
		rows = []map[string]any{}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (f *fakeRemote) Create(ctx context.Context, resource string, body, out any, opts ...remote.CallOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := toMap(body)
	gid, _ := rec["global_id"].(string)
	if err := f.enter(http.MethodPost, resource, gid, opts); err != nil {
		return err
	}
	conflict := &remote.Error{Kind: remote.KindConflict, Status: http.StatusConflict, Code: "ALREADY_EXISTS", Message: "duplicate"}
	if f.find(resource, gid) != nil {
		return conflict
	}
	if field := fakeNaturalKeys[resource]; field != "" && rec[field] != nil {
		for _, other := range f.records[resource] {
			if other[field] == rec[field] && other["active"] != false {
				return conflict
			}
		}
	}
	if _, ok := rec["active"]; !ok {
		rec["active"] = true
	}
	f.records[resource] = append(f.records[resource], rec)
	return nil
}

func (f *fakeRemote) Update(ctx context.Context, resource, globalID string, body, out any, opts ...remote.CallOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(http.MethodPut, resource, globalID, opts); err != nil {
		return err
	}
	existing := f.find(resource, globalID)
	if existing == nil {
		return &remote.Error{Kind: remote.KindNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "not found"}
	}
	for k, v := range toMap(body) {
		if k == "global_id" {
			continue
		}
		existing[k] = v
	}
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, resource, globalID string, opts ...remote.CallOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(http.MethodDelete, resource, globalID, opts); err != nil {
		return err
	}
	existing := f.find(resource, globalID)
	if existing == nil {
		return &remote.Error{Kind: remote.KindNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "not found"}
	}
	existing["active"] = false
	return nil
}

var _ Remote = (*fakeRemote)(nil)
