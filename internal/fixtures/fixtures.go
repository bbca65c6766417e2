// Package fixtures holds the entity types shared by the package tests.
package fixtures

import (
	"image"
	"image/color"

	"github.com/poiesic/graphstore/core"
	"github.com/poiesic/graphstore/serializer"
)

const (
	ProjectType   = "fixtures.Project"
	TeamType      = "fixtures.Team"
	PlayerType    = "fixtures.Player"
	EventType     = "fixtures.Event"
	DashboardType = "fixtures.Dashboard"
	LinkType      = "fixtures.Link"
	GalleryType   = "fixtures.Gallery"
)

// Project is a root entity with by-ref, local and plain object children.
type Project struct {
	core.Base
	Name      string
	Status    string
	Budget    int
	Settings  map[string]string
	Owner     *Player
	Teams     []*Team
	Events    []*Event
	Dashboard *Dashboard
	Tags      []*Tag
	Labels    map[string]*Tag
}

func NewProject(name string) *Project {
	return &Project{Base: core.NewBase(), Name: name, Status: "open"}
}

func (p *Project) TypeName() string { return ProjectType }

func (p *Project) Describe(f *core.Fields) {
	p.Base.Describe(f)
	core.Value(f, "Name", &p.Name, core.Preload())
	core.Value(f, "Status", &p.Status, core.Preload())
	core.Value(f, "Budget", &p.Budget)
	core.Value(f, "Settings", &p.Settings)
	core.StorableOne(f, "Owner", &p.Owner)
	core.StorableList(f, "Teams", &p.Teams)
	core.StorableList(f, "Events", &p.Events)
	core.StorableOne(f, "Dashboard", &p.Dashboard, core.Local())
	core.ObjectList(f, "Tags", &p.Tags)
	core.ObjectMap(f, "Labels", &p.Labels)
}

type Team struct {
	core.Base
	Name    string
	Players []*Player
	Shield  image.Image
}

func NewTeam(name string, players ...*Player) *Team {
	return &Team{Base: core.NewBase(), Name: name, Players: players}
}

func (t *Team) TypeName() string { return TeamType }

func (t *Team) Describe(f *core.Fields) {
	t.Base.Describe(f)
	core.Value(f, "Name", &t.Name, core.Preload())
	core.StorableList(f, "Players", &t.Players)
	f.Image("Shield", &t.Shield)
}

type Player struct {
	core.Base
	Name   string
	Number int
	Photo  image.Image
}

func NewPlayer(name string, number int) *Player {
	return &Player{Base: core.NewBase(), Name: name, Number: number}
}

func (p *Player) TypeName() string { return PlayerType }

func (p *Player) Describe(f *core.Fields) {
	p.Base.Describe(f)
	core.Value(f, "Name", &p.Name, core.Preload())
	core.Value(f, "Number", &p.Number, core.Preload())
	f.Image("Photo", &p.Photo, core.Preload())
}

// Event points back at its project and fans out over its players when
// indexed.
type Event struct {
	core.Base
	Name    string
	Kind    string
	Project *Project
	Players []*Player
}

func NewEvent(project *Project, name, kind string, players ...*Player) *Event {
	return &Event{Base: core.NewBase(), Name: name, Kind: kind, Project: project, Players: players}
}

func (e *Event) TypeName() string { return EventType }

func (e *Event) Describe(f *core.Fields) {
	e.Base.Describe(f)
	core.Value(f, "Name", &e.Name, core.Preload())
	core.Value(f, "Kind", &e.Kind)
	core.StorableOne(f, "Project", &e.Project)
	core.StorableList(f, "Players", &e.Players)
}

// Dashboard is stored inside its project's document.
type Dashboard struct {
	core.Base
	Title   string
	Primary *Button
	Buttons []*Button
}

func NewDashboard(title string) *Dashboard {
	return &Dashboard{Base: core.NewBase(), Title: title}
}

func (d *Dashboard) TypeName() string { return DashboardType }

func (d *Dashboard) Describe(f *core.Fields) {
	d.Base.Describe(f)
	core.Value(f, "Title", &d.Title)
	core.ObjectOne(f, "Primary", &d.Primary)
	core.ObjectList(f, "Buttons", &d.Buttons)
}

type Button struct {
	Label  string
	Action string
}

func (b *Button) Describe(f *core.Fields) {
	core.Value(f, "Label", &b.Label)
	core.Value(f, "Action", &b.Action)
}

type Tag struct {
	Name  string
	Color string
}

func (t *Tag) Describe(f *core.Fields) {
	core.Value(f, "Name", &t.Name)
	core.Value(f, "Color", &t.Color)
}

// Link forms chains and cycles.
type Link struct {
	core.Base
	Name string
	Next *Link
}

func NewLink(name string) *Link {
	return &Link{Base: core.NewBase(), Name: name}
}

func (l *Link) TypeName() string { return LinkType }

func (l *Link) Describe(f *core.Fields) {
	l.Base.Describe(f)
	core.Value(f, "Name", &l.Name)
	core.StorableOne(f, "Next", &l.Next)
}

type Gallery struct {
	core.Base
	Name   string
	Cover  image.Image
	Images []image.Image
}

func NewGallery(name string) *Gallery {
	return &Gallery{Base: core.NewBase(), Name: name}
}

func (g *Gallery) TypeName() string { return GalleryType }

func (g *Gallery) Describe(f *core.Fields) {
	g.Base.Describe(f)
	core.Value(f, "Name", &g.Name, core.Preload())
	f.Image("Cover", &g.Cover)
	f.Images("Images", &g.Images)
}

// Registry returns a registry with every fixture type.
func Registry() *serializer.Registry {
	r := serializer.NewRegistry()
	serializer.Register[Project](r)
	serializer.Register[Team](r)
	serializer.Register[Player](r)
	serializer.Register[Event](r)
	serializer.Register[Dashboard](r)
	serializer.Register[Link](r)
	serializer.Register[Gallery](r)
	return r
}

// Image returns a w x h image filled with c.
func Image(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}
