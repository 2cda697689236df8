package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"slices"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/kidguard/kidguard/internal/config"
)

// ShoutrrrChannel sends operator notifications to every configured shoutrrr
// service URL (slack://, discord://, ntfy://, ...).
type ShoutrrrChannel struct {
	urls   []string
	sender *router.ServiceRouter
}

// NewShoutrrr builds the router for cfg.URLs. No URLs yields an unconfigured
// channel; an invalid URL is an error.
func NewShoutrrr(cfg config.ShoutrrrNotifyConfig) (*ShoutrrrChannel, error) {
	s := &ShoutrrrChannel{urls: slices.Clone(cfg.URLs)}
	if len(s.urls) == 0 {
		return s, nil
	}
	sender, err := shoutrrr.CreateSender(s.urls...)
	if err != nil {
		return nil, fmt.Errorf("configuring shoutrrr: %w", err)
	}
	if cfg.Timeout > 0 {
		sender.Timeout = cfg.Timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	s.sender = sender
	return s, nil
}

func (s *ShoutrrrChannel) Name() string       { return "shoutrrr" }
func (s *ShoutrrrChannel) IsConfigured() bool { return s.sender != nil }

func (s *ShoutrrrChannel) Send(_ context.Context, evt Event) error {
	if s.sender == nil {
		return fmt.Errorf("shoutrrr sender not initialized")
	}
	params := stypes.Params{}
	if evt.Title != "" {
		params.SetTitle(evt.Title)
	}
	for _, err := range s.sender.Send(evt.Body, &params) {
		if err != nil {
			return err
		}
	}
	return nil
}
