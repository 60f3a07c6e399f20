package registry

import "testing"

type fakeTool struct {
	name    string
	mutates bool
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake" }
func (f *fakeTool) Mutates() bool       { return f.mutates }

func TestToolRegistry_LocalOverridesExternal(t *testing.T) {
	r := NewToolRegistry()

	if err := r.RegisterExternal("serverA", &fakeTool{name: "search"}); err != nil {
		t.Fatalf("RegisterExternal: %v", err)
	}
	if err := r.RegisterLocal(&fakeTool{name: "search"}); err != nil {
		t.Fatalf("RegisterLocal should shadow external: %v", err)
	}

	got, ok := r.Get("search")
	if !ok {
		t.Fatalf("expected tool to be registered")
	}
	if _, ok := got.(*fakeTool); !ok {
		t.Fatalf("unexpected tool type")
	}
}

func TestToolRegistry_ExternalRejectsLocalShadow(t *testing.T) {
	r := NewToolRegistry()
	if err := r.RegisterLocal(&fakeTool{name: "read_file"}); err != nil {
		t.Fatalf("RegisterLocal: %v", err)
	}
	if err := r.RegisterExternal("serverA", &fakeTool{name: "read_file"}); err == nil {
		t.Fatalf("expected error registering external tool shadowed by local")
	}
}

func TestToolRegistry_FirstWriterWinsAmongExternals(t *testing.T) {
	r := NewToolRegistry()
	if err := r.RegisterExternal("serverA", &fakeTool{name: "fetch"}); err != nil {
		t.Fatalf("RegisterExternal: %v", err)
	}
	if err := r.RegisterExternal("serverB", &fakeTool{name: "fetch"}); err == nil {
		t.Fatalf("expected duplicate external registration from a different domain to fail")
	}

	// Same domain re-registering (tool list refresh) is allowed.
	if err := r.RegisterExternal("serverA", &fakeTool{name: "fetch"}); err != nil {
		t.Fatalf("re-registration from same domain should succeed: %v", err)
	}
}

func TestToolRegistry_RemoveDomain(t *testing.T) {
	r := NewToolRegistry()
	_ = r.RegisterLocal(&fakeTool{name: "read_file"})
	_ = r.RegisterExternal("serverA", &fakeTool{name: "fetch"})
	_ = r.RegisterExternal("serverA", &fakeTool{name: "post"})
	_ = r.RegisterExternal("serverB", &fakeTool{name: "translate"})

	removed := r.RemoveDomain("serverA")
	if len(removed) != 2 {
		t.Fatalf("expected 2 tools removed, got %d", len(removed))
	}
	if r.Count() != 2 {
		t.Fatalf("expected 2 tools remaining, got %d", r.Count())
	}
	if _, ok := r.Get("read_file"); !ok {
		t.Fatalf("local tool should survive domain removal")
	}
	if _, ok := r.Get("translate"); !ok {
		t.Fatalf("other domain's tool should survive removal")
	}
}
