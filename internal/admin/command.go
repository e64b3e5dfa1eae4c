// Package admin reads single-character operator commands from a command file
// when the process receives SIGUSR1 or, optionally, when the file changes.
package admin

import (
	"fmt"
)

// Kind identifies an operator command.
type Kind uint8

const (
	// KindHold holds a topic: consumers are refused and arrivals spool to disk.
	KindHold Kind = iota
	// KindRelease releases a held topic; its disk backlog drains first.
	KindRelease
	// KindShutdown starts a controlled shutdown.
	KindShutdown
	// KindStatus dumps relay status to the log.
	KindStatus
)

// String returns the command name.
func (k Kind) String() string {
	switch k {
	case KindHold:
		return "hold"
	case KindRelease:
		return "release"
	case KindShutdown:
		return "shutdown"
	case KindStatus:
		return "status"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Command is one parsed operator command. Topic is meaningful for hold and
// release only.
type Command struct {
	Kind   Kind
	Topic  int
	Letter byte
}

// Parser maps command letters to topics. Lowercase holds a topic and the
// matching uppercase letter releases it.
type Parser struct {
	topics map[byte]int
}

// NewParser creates a parser from one lowercase letter per topic, in topic order.
func NewParser(letters []byte) (*Parser, error) {
	topics := make(map[byte]int, len(letters))
	for idx, letter := range letters {
		if letter < 'a' || letter > 'z' {
			return nil, fmt.Errorf("new parser topic %d: command %q must be a lowercase letter", idx, letter)
		}
		if letter == 's' || letter == 'q' {
			return nil, fmt.Errorf("new parser topic %d: command %q is reserved", idx, letter)
		}
		if other, exists := topics[letter]; exists {
			return nil, fmt.Errorf("new parser topic %d: command %q already used by topic %d", idx, letter, other)
		}
		topics[letter] = idx
	}

	return &Parser{topics: topics}, nil
}

// Parse turns file content into commands in the order they appear. Unknown
// bytes, including whitespace, are skipped.
func (p *Parser) Parse(data []byte) []Command {
	commands := make([]Command, 0, len(data))
	for _, letter := range data {
		switch letter {
		case 's':
			commands = append(commands, Command{Kind: KindShutdown, Letter: letter})
			continue
		case 'q', 'Q':
			commands = append(commands, Command{Kind: KindStatus, Letter: letter})
			continue
		}
		if topic, ok := p.topics[letter]; ok {
			commands = append(commands, Command{Kind: KindHold, Topic: topic, Letter: letter})
			continue
		}
		if letter >= 'A' && letter <= 'Z' {
			if topic, ok := p.topics[letter+'a'-'A']; ok {
				commands = append(commands, Command{Kind: KindRelease, Topic: topic, Letter: letter})
			}
		}
	}

	return commands
}
