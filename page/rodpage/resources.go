package rodpage

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockResources fails requests whose CDP resource type is listed in
// types. The returned router must be stopped when the tab closes.
func blockResources(p *rod.Page, types []string) (*rod.HijackRouter, error) {
	blocked := blockSet(types)
	router := p.HijackRequests()
	if err := router.Add("*", "", func(h *rod.Hijack) {
		if blocked[resourceClass(string(h.Request.Type()))] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	}); err != nil {
		return nil, err
	}
	go router.Run()
	return router, nil
}

func blockSet(types []string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return set
}

// resourceClass maps a CDP resource type to the configuration name.
func resourceClass(resType string) string {
	switch lower := strings.ToLower(resType); lower {
	case "image":
		return "images"
	case "font":
		return "fonts"
	case "stylesheet":
		return "stylesheets"
	default:
		return lower
	}
}
