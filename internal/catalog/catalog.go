// Package catalog holds the per-role menus, pre-approved message templates and
// fixed user-facing texts, loaded from YAML.
package catalog

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BTreeMap/OutletPipe/internal/models"
	"gopkg.in/yaml.v3"
)

// MaxMenuOptions is the largest list a WhatsApp list message can carry.
const MaxMenuOptions = 10

// Template names the dispatcher and scheduler rely on.
const (
	TemplateSessionReopen   = "session_reopen"
	TemplateIdleLogout      = "idle_logout"
	TemplateClosingReminder = "closing_reminder"
	TemplateSupplyNotice    = "supply_notice"
	TemplateEscalation      = "escalation_notice"
)

// MenuOption is one selectable menu entry. ID doubles as the quick-reply payload.
type MenuOption struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`
}

// Menu is the menu shown to one role.
type Menu struct {
	Title   string       `yaml:"title" json:"title"`
	Body    string       `yaml:"body" json:"body"`
	Options []MenuOption `yaml:"options" json:"options"`
}

// Menus holds one menu per authenticated role.
type Menus struct {
	Attendant  Menu `yaml:"attendant"`
	Supervisor Menu `yaml:"supervisor"`
	Supplier   Menu `yaml:"supplier"`
}

// Template is a pre-approved message usable outside the session window.
type Template struct {
	Name       string `yaml:"name" json:"name"`
	ContentSID string `yaml:"content_sid" json:"content_sid,omitempty"` // Twilio Content API id
	Body       string `yaml:"body" json:"body"`                         // local rendering with {{1}}..{{n}}
	Params     int    `yaml:"params" json:"params"`
}

// Render substitutes positional parameters into Body.
func (t Template) Render(params []string) string {
	out := t.Body
	for i, p := range params {
		out = strings.ReplaceAll(out, "{{"+strconv.Itoa(i+1)+"}}", p)
	}
	return out
}

// Texts are the fixed replies the controller uses without asking the generator.
type Texts struct {
	LoginPrompt       string `yaml:"login_prompt"`
	LoginFailed       string `yaml:"login_failed"`
	Welcome           string `yaml:"welcome"`
	Fallback          string `yaml:"fallback"`
	UnknownTransition string `yaml:"unknown_transition"`
	TryAgain          string `yaml:"try_again"`
	LoggedOut         string `yaml:"logged_out"`
	IdleLoggedOut     string `yaml:"idle_logged_out"`
	Unsupported       string `yaml:"unsupported"`
	Cancelled         string `yaml:"cancelled"`
	Saved             string `yaml:"saved"`
	Escalated         string `yaml:"escalated"`
}

// Catalog is the parsed catalog file.
type Catalog struct {
	Menus     Menus      `yaml:"menus"`
	Templates []Template `yaml:"templates"`
	Texts     Texts      `yaml:"texts"`

	byName map[string]Template
}

// MenuFor returns the menu for role. Unauthenticated identities have no menu.
func (c *Catalog) MenuFor(role models.Role) (Menu, bool) {
	switch role {
	case models.RoleAttendant:
		return c.Menus.Attendant, true
	case models.RoleSupervisor:
		return c.Menus.Supervisor, true
	case models.RoleSupplier:
		return c.Menus.Supplier, true
	default:
		return Menu{}, false
	}
}

// Template looks a template up by name.
func (c *Catalog) Template(name string) (Template, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Parse decodes a catalog from YAML bytes, fills unset entries from the
// defaults and validates the result.
func Parse(data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("catalog: payload is empty")
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return c.normalized()
}

// LoadFile loads a catalog from path.
func LoadFile(path string) (*Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse([]byte(defaultYAML))
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in defaults invalid: %v", err))
	}
	return c
}

func (c Catalog) normalized() (*Catalog, error) {
	var def Catalog
	if err := yaml.Unmarshal([]byte(defaultYAML), &def); err != nil {
		return nil, fmt.Errorf("catalog: decode defaults: %w", err)
	}

	fillMenu(&c.Menus.Attendant, def.Menus.Attendant)
	fillMenu(&c.Menus.Supervisor, def.Menus.Supervisor)
	fillMenu(&c.Menus.Supplier, def.Menus.Supplier)
	fillTexts(&c.Texts, def.Texts)

	c.byName = make(map[string]Template, len(c.Templates)+len(def.Templates))
	for _, t := range def.Templates {
		c.byName[t.Name] = t
	}
	for i, t := range c.Templates {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			return nil, fmt.Errorf("catalog: templates[%d]: name is required", i)
		}
		if t.Body == "" && t.ContentSID == "" {
			return nil, fmt.Errorf("catalog: template %s: body or content_sid is required", t.Name)
		}
		c.byName[t.Name] = t
	}

	for role, m := range map[models.Role]Menu{
		models.RoleAttendant:  c.Menus.Attendant,
		models.RoleSupervisor: c.Menus.Supervisor,
		models.RoleSupplier:   c.Menus.Supplier,
	} {
		if len(m.Options) > MaxMenuOptions {
			return nil, fmt.Errorf("catalog: %s menu has %d options, max %d", role, len(m.Options), MaxMenuOptions)
		}
		for _, o := range m.Options {
			if o.ID == "" || o.Title == "" {
				return nil, fmt.Errorf("catalog: %s menu option needs id and title", role)
			}
		}
	}
	return &c, nil
}

func fillMenu(m *Menu, def Menu) {
	if m.Title == "" {
		m.Title = def.Title
	}
	if m.Body == "" {
		m.Body = def.Body
	}
	if len(m.Options) == 0 {
		m.Options = def.Options
	}
}

func fillTexts(t *Texts, def Texts) {
	pairs := []struct {
		dst *string
		src string
	}{
		{&t.LoginPrompt, def.LoginPrompt},
		{&t.LoginFailed, def.LoginFailed},
		{&t.Welcome, def.Welcome},
		{&t.Fallback, def.Fallback},
		{&t.UnknownTransition, def.UnknownTransition},
		{&t.TryAgain, def.TryAgain},
		{&t.LoggedOut, def.LoggedOut},
		{&t.IdleLoggedOut, def.IdleLoggedOut},
		{&t.Unsupported, def.Unsupported},
		{&t.Cancelled, def.Cancelled},
		{&t.Saved, def.Saved},
		{&t.Escalated, def.Escalated},
	}
	for _, p := range pairs {
		if strings.TrimSpace(*p.dst) == "" {
			*p.dst = p.src
		}
	}
}
