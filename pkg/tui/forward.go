package tui

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"github.com/go-go-golems/stackctl/pkg/registry"
)

// RegisterForwarder feeds registry events from the bus into the watch
// program.
func RegisterForwarder(bus *registry.Bus, p *tea.Program) {
	bus.AddHandler("stackctl-watch-forward", func(msg *message.Message) error {
		// Ack before forwarding so publishers never wait on the program.
		msg.Ack()

		var ev registry.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return errors.Wrap(err, "unmarshal registry event")
		}
		p.Send(EventMsg{Event: ev})
		return nil
	})
}
