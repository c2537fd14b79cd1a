package rewind_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rewind/internal/rewind"
	"rewind/internal/testutil"
)

// hostMapping maps the control plane's /data onto a temp dir.
func hostMapping(t *testing.T) (rewind.RootMapping, string) {
	t.Helper()
	host := filepath.Join(t.TempDir(), "portainer")
	return rewind.RootMapping{{From: "/data", To: host}}, host
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCapturer_Capture(t *testing.T) {
	mapping, host := hostMapping(t)
	p := testutil.NewFakePlatform()
	media := p.AddStack(rewind.RemoteStack{
		Name:            "media",
		Env:             []rewind.EnvVar{{Name: "TZ", Value: "UTC"}},
		AdditionalFiles: []string{"docker-compose.yml", "override.yml"},
	}, "services: {}\n")
	p.AddStack(rewind.RemoteStack{Name: "books", AdditionalFiles: []string{"missing.yml"}}, "services: {}\n")
	p.AddStack(rewind.RemoteStack{Name: "git"}, "")
	p.Fail("get", "git", errors.New("502 bad gateway"))
	writeFile(t, filepath.Join(host, "compose", "1", "override.yml"), "services:\n  app:\n    ports: [\"8080:80\"]\n")

	c := rewind.NewCapturer(p, mapping, rewind.NewNopLogger(), testutil.FixedClock())
	rec, err := c.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	if rec.Format != rewind.FormatEnhanced {
		t.Errorf("Format = %s", rec.Format)
	}
	if got := strings.Join(rec.Names(), ","); got != "books,git,media" {
		t.Errorf("Names() = %s, want sorted", got)
	}
	if rec.PartialCount() != 2 {
		t.Errorf("PartialCount() = %d, want 2", rec.PartialCount())
	}

	m := rec.Find("media")
	if m.ID != media || m.Partial || m.ComposeContent != "services: {}\n" || len(m.Env) != 1 {
		t.Errorf("media = %+v", m)
	}
	if len(m.AdditionalFiles) != 1 || m.AdditionalFiles[0].Name != "override.yml" || !strings.Contains(m.AdditionalFiles[0].Content, "8080:80") {
		t.Errorf("media additional files = %+v", m.AdditionalFiles)
	}

	b := rec.Find("books")
	if !b.Partial || len(b.CaptureErrors) != 1 || !strings.Contains(b.CaptureErrors[0], "additional file missing.yml") {
		t.Errorf("books = %+v", b)
	}

	g := rec.Find("git")
	if !g.Partial || g.Name != "git" || !strings.Contains(strings.Join(g.CaptureErrors, ";"), "stack detail") {
		t.Errorf("git = %+v, want list entry kept with detail error", g)
	}
}

func TestCapturer_Capture_listFails(t *testing.T) {
	p := testutil.NewFakePlatform()
	p.Fail("list", "", errors.New("connection refused"))

	c := rewind.NewCapturer(p, nil, rewind.NewNopLogger(), testutil.FixedClock())
	if _, err := c.Capture(context.Background()); err == nil {
		t.Error("Capture() succeeded without a stack list")
	}
}

func TestApplier_Apply(t *testing.T) {
	mapping, host := hostMapping(t)
	p := testutil.NewFakePlatform()
	p.AddStack(rewind.RemoteStack{Name: "exists"}, "live: true\n")

	rec := &rewind.StackStateRecord{
		Format: rewind.FormatEnhanced,
		Stacks: []rewind.StackDescriptor{
			{
				Name:            "web",
				ComposeContent:  "services:\n  web:\n    volumes:\n      - /srv/data/web:/data\n",
				AdditionalFiles: []rewind.StackFile{{Name: "nginx.conf", Content: "server {}\n"}},
			},
			{
				Name:       "repo",
				EndpointID: 3,
				GitConfig:  &rewind.GitConfig{URL: "https://git.example.com/ops/repo.git", ReferenceName: "refs/heads/main"},
				AutoUpdate: &rewind.AutoUpdatePolicy{Interval: "5m"},
			},
			{Name: "legacy"},
			{Name: "exists", ComposeContent: "snapshot: true\n"},
		},
	}
	rewrite := func(d rewind.StackDescriptor) (rewind.StackDescriptor, error) {
		d.ComposeContent = strings.ReplaceAll(d.ComposeContent, "/srv/data", "/mnt/data")
		return d, nil
	}

	a := rewind.NewApplier(p, mapping, 1, rewind.NewNopLogger())
	decision := rewind.ApplyDecision{Create: []string{"web", "repo", "legacy", "exists"}, Rewrite: rewrite}
	report, err := a.Apply(context.Background(), rec, decision)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	wantActions := map[string]rewind.ApplyAction{
		"web":    rewind.ActionCreated,
		"repo":   rewind.ActionCreated,
		"legacy": rewind.ActionUnrecreatable,
		"exists": rewind.ActionExists,
	}
	for name, want := range wantActions {
		if e := report.Entry(name); e == nil || e.Action != want {
			t.Errorf("entry %s = %+v, want %s", name, e, want)
		}
	}

	web, compose, _ := p.Stack("web")
	if !strings.Contains(compose, "/mnt/data/web:/data") {
		t.Errorf("web compose not rewritten: %q", compose)
	}
	conf := filepath.Join(mapping.Map(web.ProjectPath), "nginx.conf")
	if !strings.HasPrefix(conf, host) {
		t.Fatalf("additional file path %s not under host mapping", conf)
	}
	if data, err := os.ReadFile(conf); err != nil || string(data) != "server {}\n" {
		t.Errorf("nginx.conf = %q, %v", data, err)
	}

	repo, _, _ := p.Stack("repo")
	if repo.GitConfig == nil || repo.GitConfig.URL != "https://git.example.com/ops/repo.git" || repo.EndpointID != 3 {
		t.Errorf("repo = %+v", repo)
	}
	if _, compose, _ := p.Stack("exists"); compose != "live: true\n" {
		t.Errorf("existing stack changed: %q", compose)
	}

	// A second apply creates nothing.
	again, err := a.Apply(context.Background(), rec, decision)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if again.Count(rewind.ActionCreated) != 0 || again.Count(rewind.ActionExists) != 3 {
		t.Errorf("second apply = %+v", again.Entries)
	}
	if p.CallCount("create", "web") != 1 || p.CallCount("create", "repo") != 1 {
		t.Errorf("calls = %v", p.Calls())
	}
}

func TestApplier_Apply_failures(t *testing.T) {
	rec := &rewind.StackStateRecord{
		Format: rewind.FormatEnhanced,
		Stacks: []rewind.StackDescriptor{{Name: "web", ComposeContent: "services: {}\n"}},
	}

	t.Run("create rejected", func(t *testing.T) {
		p := testutil.NewFakePlatform()
		p.Fail("create", "web", errors.New("400 invalid compose"))
		a := rewind.NewApplier(p, nil, 1, rewind.NewNopLogger())

		report, err := a.Apply(context.Background(), rec, rewind.ApplyDecision{Create: []string{"web"}})
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if e := report.Entry("web"); e.Action != rewind.ActionFailed || e.Err == nil {
			t.Errorf("entry = %+v", e)
		}
	})

	t.Run("rewrite fails", func(t *testing.T) {
		p := testutil.NewFakePlatform()
		a := rewind.NewApplier(p, nil, 1, rewind.NewNopLogger())
		bad := func(rewind.StackDescriptor) (rewind.StackDescriptor, error) {
			return rewind.StackDescriptor{}, errors.New("yaml: line 3")
		}

		report, err := a.Apply(context.Background(), rec, rewind.ApplyDecision{Create: []string{"web"}, Rewrite: bad})
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if e := report.Entry("web"); e.Action != rewind.ActionFailed || p.CallCount("create", "web") != 0 {
			t.Errorf("entry = %+v, calls %v", e, p.Calls())
		}
	})

	t.Run("list fails", func(t *testing.T) {
		p := testutil.NewFakePlatform()
		p.Fail("list", "", errors.New("timeout"))
		a := rewind.NewApplier(p, nil, 1, rewind.NewNopLogger())

		if _, err := a.Apply(context.Background(), rec, rewind.ApplyDecision{Create: []string{"web"}}); err == nil {
			t.Error("Apply() succeeded without a stack list")
		}
	})
}

func TestApplier_Apply_revert(t *testing.T) {
	p := testutil.NewFakePlatform()
	p.AddStack(rewind.RemoteStack{Name: "web", Env: []rewind.EnvVar{{Name: "DATA", Value: "/mnt/data"}}}, "volumes: [/mnt/data:/data]\n")
	p.AddStack(rewind.RemoteStack{Name: "same"}, "services: {}\n")
	p.AddStack(rewind.RemoteStack{Name: "repo"}, "from git\n")

	rec := &rewind.StackStateRecord{
		Format: rewind.FormatEnhanced,
		Stacks: []rewind.StackDescriptor{
			{Name: "web", ComposeContent: "volumes: [/srv/data:/data]\n", Env: []rewind.EnvVar{{Name: "DATA", Value: "/srv/data"}}},
			{Name: "same", ComposeContent: "services: {}\n"},
			{Name: "repo", ComposeContent: "captured\n", GitConfig: &rewind.GitConfig{URL: "https://git.example.com/ops/repo.git"}},
		},
	}
	a := rewind.NewApplier(p, nil, 1, rewind.NewNopLogger())
	decision := rewind.ApplyDecision{Create: []string{"web", "same", "repo"}, Revert: true}

	report, err := a.Apply(context.Background(), rec, decision)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	want := map[string]rewind.ApplyAction{
		"web":  rewind.ActionReverted,
		"same": rewind.ActionExists,
		"repo": rewind.ActionExists,
	}
	for name, action := range want {
		if e := report.Entry(name); e == nil || e.Action != action {
			t.Errorf("entry %s = %+v, want %s", name, e, action)
		}
	}
	web, compose, _ := p.Stack("web")
	if compose != "volumes: [/srv/data:/data]\n" || len(web.Env) != 1 || web.Env[0].Value != "/srv/data" {
		t.Errorf("web = %+v %q", web, compose)
	}
	if _, compose, _ := p.Stack("repo"); compose != "from git\n" {
		t.Errorf("repository stack changed: %q", compose)
	}

	again, err := a.Apply(context.Background(), rec, decision)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if again.Count(rewind.ActionExists) != 3 || p.CallCount("update", "web") != 1 {
		t.Errorf("second apply = %+v, calls %v", again.Entries, p.Calls())
	}

	t.Run("update rejected", func(t *testing.T) {
		p := testutil.NewFakePlatform()
		p.AddStack(rewind.RemoteStack{Name: "web"}, "drifted\n")
		p.Fail("update", "web", errors.New("409 conflict"))
		a := rewind.NewApplier(p, nil, 1, rewind.NewNopLogger())

		report, err := a.Apply(context.Background(), rec, rewind.ApplyDecision{Create: []string{"web"}, Revert: true})
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if e := report.Entry("web"); e.Action != rewind.ActionFailed || e.Err == nil {
			t.Errorf("entry = %+v", e)
		}
	})
}
