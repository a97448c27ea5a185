package daemon

import (
	"fmt"
	"strings"

	"github.com/kahiteam/cowfork/internal/kern"
	"github.com/kahiteam/cowfork/internal/uapi"
	"github.com/kahiteam/cowfork/internal/web"
)

// webLister renders the world for the dashboard.
type webLister struct {
	w *World
}

func (l webLister) ListWeb() []web.EnvView {
	envs := l.w.List()
	out := make([]web.EnvView, 0, len(envs))
	for _, e := range envs {
		out = append(out, envView(e))
	}
	return out
}

func (l webLister) EnvWeb(id string) (web.EnvView, []web.PageView, error) {
	eid, err := uapi.ParseEnvID(id)
	if err != nil {
		return web.EnvView{}, nil, err
	}
	info, err := l.w.Get(eid)
	if err != nil {
		return web.EnvView{}, nil, err
	}
	pages, err := l.w.Pages(eid)
	if err != nil {
		return web.EnvView{}, nil, err
	}
	views := make([]web.PageView, 0, len(pages))
	for _, p := range pages {
		views = append(views, web.PageView{
			VA:    fmt.Sprintf("%08x", p.VA),
			Flags: p.Flags,
			Frame: p.Frame,
			Refs:  p.Refs,
			Kind:  web.PageKind(p.Flags),
		})
	}
	return envView(info), views, nil
}

func envView(e kern.EnvInfo) web.EnvView {
	parent := "-"
	if e.Parent != 0 {
		parent = e.Parent.String()
	}
	handler := "-"
	switch {
	case e.Upcall && e.HandlerSet:
		handler = "yes"
	case e.HandlerSet:
		handler = "inherited"
	}
	return web.EnvView{
		ID:          e.ID.String(),
		Parent:      parent,
		Status:      e.Status,
		StatusLower: strings.ToLower(e.Status),
		Pages:       e.Pages,
		Size:        web.FormatSize(e.Pages, uapi.PGSIZE),
		Handler:     handler,
	}
}
