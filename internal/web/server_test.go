package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/longhouse-sh/control-plane/internal/auth"
	"github.com/longhouse-sh/control-plane/internal/events"
	"github.com/longhouse-sh/control-plane/internal/logging"
	"github.com/longhouse-sh/control-plane/internal/store"
)

const testAdminToken = "test-admin-token"

type testServer struct {
	*httptest.Server
	dir      *mockDirectory
	mint     *mockMint
	deployer *mockDeployer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := newMockDirectory()
	mint := &mockMint{}
	deployer := &mockDeployer{}

	authSvc := auth.NewService(auth.ServiceConfig{
		Tenants:       authTenants{dir: dir},
		Sessions:      newMemSessions(),
		Log:           logging.New(false),
		SessionExpiry: time.Hour,
	})

	srv := NewServer(":0", Dependencies{
		Instances:       dir,
		Tenants:         dir,
		Deployments:     dir,
		BillingLog:      dir,
		Auth:            authSvc,
		Deployer:        deployer,
		Secrets:         mint,
		Tokens:          mockTokens{},
		Enqueue:         dir.enqueue,
		EventBus:        events.New(),
		Log:             logging.New(false),
		AdminToken:      testAdminToken,
		RootDomain:      "example.com",
		DefaultImageRef: "ghcr.io/longhouse/instance:v1",
	})

	ts := httptest.NewServer(srv.mux)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, dir: dir, mint: mint, deployer: deployer}
}

// do issues a request with optional admin token and JSON body.
func (ts *testServer) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAdminTokenRequired(t *testing.T) {
	ts := newTestServer(t)

	if resp := ts.do(t, "GET", "/admin/instances", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}
	if resp := ts.do(t, "GET", "/admin/instances", "wrong", ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("bad token: status = %d, want 403", resp.StatusCode)
	}
	if resp := ts.do(t, "GET", "/admin/instances", testAdminToken, ""); resp.StatusCode != http.StatusOK {
		t.Errorf("good token: status = %d, want 200", resp.StatusCode)
	}
}

func TestCreateInstance(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/admin/instances", testAdminToken,
		`{"email":"ada@example.com","subdomain":"ada"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	created := decode[map[string]string](t, resp)
	id := created["id"]
	if id == "" {
		t.Fatal("no id in response")
	}

	inst, err := ts.dir.GetInstance(id)
	if err != nil {
		t.Fatal(err)
	}
	if inst.DesiredState != store.DesiredRunning {
		t.Errorf("desired = %s", inst.DesiredState)
	}
	if inst.TargetImageRef != "ghcr.io/longhouse/instance:v1" {
		t.Errorf("image = %s, want default", inst.TargetImageRef)
	}
	if len(ts.dir.enqueued) != 1 || ts.dir.enqueued[0] != id {
		t.Errorf("enqueued = %v, want [%s]", ts.dir.enqueued, id)
	}
}

func TestCreateInstanceConflicts(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/admin/instances", testAdminToken,
		`{"email":"ada@example.com","subdomain":"ada"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create: status = %d", resp.StatusCode)
	}

	// Same subdomain, different tenant.
	resp = ts.do(t, "POST", "/admin/instances", testAdminToken,
		`{"email":"bob@example.com","subdomain":"ada"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("dup subdomain: status = %d, want 409", resp.StatusCode)
	}
	if body := decode[map[string]string](t, resp); body["error"] != "subdomain-taken" {
		t.Errorf("error = %q, want subdomain-taken", body["error"])
	}

	// Same tenant, different subdomain.
	resp = ts.do(t, "POST", "/admin/instances", testAdminToken,
		`{"email":"ada@example.com","subdomain":"ada2"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second instance: status = %d, want 409", resp.StatusCode)
	}
	if body := decode[map[string]string](t, resp); body["error"] != "tenant-has-instance" {
		t.Errorf("error = %q, want tenant-has-instance", body["error"])
	}
}

func TestCreateInstanceValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"bad email", `{"email":"not-an-email","subdomain":"ok"}`},
		{"uppercase subdomain", `{"email":"a@example.com","subdomain":"Bad"}`},
		{"leading hyphen", `{"email":"a@example.com","subdomain":"-bad"}`},
		{"empty subdomain", `{"email":"a@example.com","subdomain":""}`},
	}
	for _, tc := range cases {
		resp := ts.do(t, "POST", "/admin/instances", testAdminToken, tc.body)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("%s: status = %d, want 422", tc.name, resp.StatusCode)
		}
	}
}

func TestDeprovision(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/admin/instances", testAdminToken,
		`{"email":"ada@example.com","subdomain":"ada"}`)
	id := decode[map[string]string](t, resp)["id"]

	resp = ts.do(t, "POST", "/admin/instances/"+id+"/deprovision", testAdminToken,
		`{"retain":true}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	inst, _ := ts.dir.GetInstance(id)
	if inst.DesiredState != store.DesiredAbsent {
		t.Errorf("desired = %s, want absent", inst.DesiredState)
	}
	if inst.PurgeData {
		t.Error("retain=true must not flag the data for removal")
	}
	if len(ts.dir.enqueued) != 2 {
		t.Errorf("enqueued = %v, want create + deprovision", ts.dir.enqueued)
	}
}

func TestDeprovisionWithoutRetainFlagsPurge(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/admin/instances", testAdminToken,
		`{"email":"ada@example.com","subdomain":"ada"}`)
	id := decode[map[string]string](t, resp)["id"]

	ts.dir.mu.Lock()
	ts.dir.instances[id].DataPath = "/srv/longhouse/ada"
	ts.dir.mu.Unlock()

	resp = ts.do(t, "POST", "/admin/instances/"+id+"/deprovision", testAdminToken,
		`{"retain":false}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	// The intent must be durable on the row, not held by this process.
	inst, _ := ts.dir.GetInstance(id)
	if inst.DesiredState != store.DesiredAbsent {
		t.Errorf("desired = %s, want absent", inst.DesiredState)
	}
	if !inst.PurgeData {
		t.Error("purge flag not set for retain=false")
	}
}

func TestReprovisionBumpsGeneration(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/admin/instances", testAdminToken,
		`{"email":"ada@example.com","subdomain":"ada"}`)
	id := decode[map[string]string](t, resp)["id"]
	before, _ := ts.dir.GetInstance(id)

	resp = ts.do(t, "POST", "/admin/instances/"+id+"/reprovision", testAdminToken, "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	// The target image is unchanged, so only a real generation bump can
	// fence out the old container.
	after, _ := ts.dir.GetInstance(id)
	if after.Generation <= before.Generation {
		t.Errorf("generation = %d, want > %d", after.Generation, before.Generation)
	}
	if len(ts.dir.enqueued) != 2 {
		t.Errorf("enqueued = %v, want create + reprovision", ts.dir.enqueued)
	}
}

func TestRotatePassword(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/admin/instances", testAdminToken,
		`{"email":"ada@example.com","subdomain":"ada"}`)
	id := decode[map[string]string](t, resp)["id"]
	before, _ := ts.dir.GetInstance(id)

	resp = ts.do(t, "POST", "/admin/instances/"+id+"/rotate-password", testAdminToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["password_once"] != "pw-ada" {
		t.Errorf("password_once = %q", body["password_once"])
	}

	after, _ := ts.dir.GetInstance(id)
	if string(after.SecretEnvelope) != "envelope-ada" {
		t.Errorf("envelope = %q, want replacement", after.SecretEnvelope)
	}
	// Generation bump forces a recreate carrying the new hash.
	if after.Generation <= before.Generation {
		t.Errorf("generation = %d, want > %d", after.Generation, before.Generation)
	}
}

func TestInstanceDetailIncludesTransitions(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/admin/instances", testAdminToken,
		`{"email":"ada@example.com","subdomain":"ada"}`)
	id := decode[map[string]string](t, resp)["id"]

	ts.dir.mu.Lock()
	ts.dir.transitions[id] = []store.Transition{
		{InstanceID: id, FromState: store.ObservedAbsent, ToState: store.ObservedCreating, Actor: "reconciler"},
	}
	ts.dir.mu.Unlock()

	resp = ts.do(t, "GET", "/admin/instances/"+id, testAdminToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	detail := decode[map[string]any](t, resp)
	if detail["tenant_email"] != "ada@example.com" {
		t.Errorf("tenant_email = %v", detail["tenant_email"])
	}
	if detail["url"] != "https://ada.example.com" {
		t.Errorf("url = %v", detail["url"])
	}
	transitions, _ := detail["transitions"].([]any)
	if len(transitions) != 1 {
		t.Errorf("transitions = %v", detail["transitions"])
	}
}

func TestInstanceNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "GET", "/admin/instances/nope", testAdminToken, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStartDeployment(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/admin/deployments", testAdminToken,
		`{"image_ref":"app:v2","max_parallel":2,"failure_threshold":1}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if id := decode[map[string]string](t, resp)["id"]; id != "dep-1" {
		t.Errorf("id = %q", id)
	}
	if len(ts.deployer.started) != 1 || ts.deployer.started[0] != "app:v2" {
		t.Errorf("started = %v", ts.deployer.started)
	}

	resp = ts.do(t, "POST", "/admin/deployments", testAdminToken, `{"image_ref":""}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("empty image: status = %d, want 422", resp.StatusCode)
	}
}

func TestSSOKeys(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "GET", "/sso/keys", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "max-age") {
		t.Errorf("Cache-Control = %q, want cacheable", cc)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "GET", "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
