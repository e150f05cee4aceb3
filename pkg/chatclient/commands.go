package chatclient

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// CloneKeyword prefixes a message asking the backend to clone a website into the preview.
const CloneKeyword = "clone"

// CloneMessage builds the backend message for cloning the page at rawURL.
func CloneMessage(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse url %q", rawURL)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.Errorf("clone needs an http(s) url, got %q", rawURL)
	}
	return CloneKeyword + " " + u.String(), nil
}

// ParseInput turns what the user typed into the message sent to the backend. Slash commands
// are translated; anything else is sent as is.
func ParseInput(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if !strings.HasPrefix(trimmed, "/") {
		return input, nil
	}
	cmd, arg, _ := strings.Cut(trimmed[1:], " ")
	switch cmd {
	case CloneKeyword:
		return CloneMessage(arg)
	default:
		return "", errors.Errorf("unknown command /%s", cmd)
	}
}
