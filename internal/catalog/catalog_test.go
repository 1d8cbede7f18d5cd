package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/OutletPipe/internal/models"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	for _, role := range []models.Role{models.RoleAttendant, models.RoleSupervisor, models.RoleSupplier} {
		m, ok := c.MenuFor(role)
		if !ok || len(m.Options) == 0 {
			t.Errorf("no default menu for %s", role)
		}
	}
	if _, ok := c.MenuFor(models.RoleUnauthenticated); ok {
		t.Error("unauthenticated should have no menu")
	}
	for _, name := range []string{TemplateSessionReopen, TemplateIdleLogout, TemplateClosingReminder, TemplateSupplyNotice, TemplateEscalation} {
		if _, ok := c.Template(name); !ok {
			t.Errorf("missing default template %s", name)
		}
	}
	if c.Texts.LoginPrompt == "" || c.Texts.Fallback == "" {
		t.Error("default texts not populated")
	}
}

func TestParseOverridesAndFillsDefaults(t *testing.T) {
	data := []byte(`
menus:
  supplier:
    title: Deliveries
    options:
      - {id: supply, title: Log a delivery}
templates:
  - name: session_reopen
    content_sid: HX123
    body: "Update: {{1}}"
    params: 1
texts:
  fallback: "Try the menu."
`)
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m, _ := c.MenuFor(models.RoleSupplier)
	if m.Title != "Deliveries" || len(m.Options) != 1 {
		t.Errorf("supplier menu = %+v", m)
	}
	if m.Body == "" {
		t.Error("body should be filled from defaults")
	}
	att, _ := c.MenuFor(models.RoleAttendant)
	if len(att.Options) == 0 {
		t.Error("attendant menu should come from defaults")
	}
	tpl, _ := c.Template(TemplateSessionReopen)
	if tpl.ContentSID != "HX123" {
		t.Errorf("override not applied: %+v", tpl)
	}
	if got := tpl.Render([]string{"stock low"}); got != "Update: stock low" {
		t.Errorf("Render = %q", got)
	}
	if c.Texts.Fallback != "Try the menu." || c.Texts.LoginPrompt == "" {
		t.Errorf("texts = %+v", c.Texts)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"empty":            "   ",
		"bad yaml":         "menus: [",
		"template no name": "templates:\n  - body: hi\n",
		"template no body": "templates:\n  - name: x\n",
		"option no id":     "menus:\n  attendant:\n    options:\n      - {title: x}\n",
	}
	for name, data := range tests {
		if _, err := Parse([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	var b strings.Builder
	b.WriteString("menus:\n  attendant:\n    options:\n")
	for i := 0; i <= MaxMenuOptions; i++ {
		b.WriteString("      - {id: o, title: t}\n")
	}
	if _, err := Parse([]byte(b.String())); err == nil {
		t.Error("expected too many options error")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte("texts:\n  welcome: Karibu\n"), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Texts.Welcome != "Karibu" {
		t.Errorf("welcome = %q", c.Texts.Welcome)
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
