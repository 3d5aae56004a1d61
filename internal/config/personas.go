package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/panelist/pkg/types"
)

// ErrUnknownPersona is returned by [Catalogue.Select] for IDs that are not
// in the catalogue.
var ErrUnknownPersona = errors.New("config: unknown persona")

// DefaultPersonas is the built-in interviewer catalogue used when the
// configuration lists none.
func DefaultPersonas() []types.Persona {
	return []types.Persona{
		{
			ID:          "architect",
			Name:        "The Architect",
			Description: "System design, data structures and scalability. Strict and precise.",
			FaceRef:     "Wayne_20240711",
			Voice:       types.VoiceParams{Pitch: 0.9, Rate: 1.0},
			Guidance: "- Focus strictly on System Design, Data Structures, Scalability, and Code Architecture.\n" +
				"- Tone: Highly analytical, strict, extremely precise, and unforgiving of theoretical flaws.\n" +
				"- Ask questions about microservices, database sharding, latency, throughput, and algorithmic efficiency.\n" +
				"- You expect candidates to think out loud and justify every technical trade-off.",
		},
		{
			ID:          "executive",
			Name:        "The Executive",
			Description: "Product strategy, leadership and team management. Encouraging.",
			FaceRef:     "Anna_public_3_20240108",
			Voice:       types.VoiceParams{Pitch: 1.05, Rate: 0.95},
			Guidance: "- Focus strictly on Product Strategy, Leadership, ROI (Return on Investment), and Agile/Team Management.\n" +
				"- Tone: Lenient, encouraging, big-picture thinker, but expects clear business impact and leadership qualities.\n" +
				"- Ask questions about managing conflicts, prioritizing roadmaps, stakeholder communication, and scaling a team.\n" +
				"- You want the candidate to show vision, empathy, and strategic thinking rather than deep coding trivia.",
		},
		{
			ID:          "debugger",
			Name:        "The Debugger",
			Description: "Edge cases, live bug hunting and hard CS logic. Intense.",
			FaceRef:     "Tyler-incasualsuit-20220721",
			Voice:       types.VoiceParams{Pitch: 1.1, Rate: 1.15},
			Guidance: "- Focus strictly on deep technical trivia, live bug-hunting, edge cases, and hard computer science logic.\n" +
				"- Tone: Extremely logical, direct, slightly chaotic/intense, loves edge cases and memory leaks.\n" +
				"- Ask very specific, tricky questions about asynchronous code, memory management, race conditions, or obscure bugs.\n" +
				"- You want the candidate to spot the hidden trap in your questions immediately.",
		},
	}
}

// Catalogue is the set of personas candidates can pick from. It is safe for
// concurrent use and can be replaced at runtime; sessions keep the personas
// they were created with.
type Catalogue struct {
	mu       sync.RWMutex
	personas []types.Persona
}

// NewCatalogue creates a catalogue holding personas.
func NewCatalogue(personas []types.Persona) *Catalogue {
	c := &Catalogue{}
	c.Replace(personas)
	return c
}

// Replace swaps the catalogue contents.
func (c *Catalogue) Replace(personas []types.Persona) {
	cp := slices.Clone(personas)
	c.mu.Lock()
	c.personas = cp
	c.mu.Unlock()
}

// All returns a copy of every persona in catalogue order.
func (c *Catalogue) All() []types.Persona {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.personas)
}

// Select returns the personas with the given IDs in the given order and
// checks that they form a valid panel.
func (c *Catalogue) Select(ids []string) ([]types.Persona, error) {
	c.mu.RLock()
	byID := make(map[string]types.Persona, len(c.personas))
	for _, p := range c.personas {
		byID[p.ID] = p
	}
	c.mu.RUnlock()

	panel := make([]types.Persona, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPersona, id)
		}
		panel = append(panel, p)
	}
	if err := types.ValidatePanel(panel); err != nil {
		return nil, err
	}
	return panel, nil
}
