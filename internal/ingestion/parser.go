package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"PerpVAMM/internal/command"

	"github.com/google/uuid"
)

// SubjectPrefix roots every inbound command subject:
// vamm.commands.{CommandType}[.{partition hint}]
const SubjectPrefix = "vamm.commands"

var (
	ErrMissingCommandID = errors.New("command_id is required")
	ErrMissingSigner    = errors.New("signer is required")
	ErrNegativeSequence = errors.New("sequence must not be negative")
)

// SubjectFor returns the inbound subject a producer publishes cmd to.
func SubjectFor(cmd command.Command) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, cmd.CommandType(), cmd.Meta().Signer)
}

// TypeFromSubject extracts the command type token from an inbound subject.
func TypeFromSubject(subject string) (command.Type, error) {
	rest, ok := strings.CutPrefix(subject, SubjectPrefix+".")
	if !ok {
		return command.TypeUnknown, fmt.Errorf("subject %q outside %s", subject, SubjectPrefix)
	}
	name, _, _ := strings.Cut(rest, ".")
	return command.ParseType(name)
}

// ParseRawCommand converts a message from the bus into a typed command.
func ParseRawCommand(raw RawCommand) (command.Command, error) {
	t, err := TypeFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	return ParsePayload(t, raw.Data)
}

// ParsePayload decodes and sanity-checks a command payload. Business rules
// are left to the core; this only rejects messages the core could never
// sequence.
func ParsePayload(t command.Type, data []byte) (command.Command, error) {
	cmd, err := command.Decode(t, data)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(cmd.Meta()); err != nil {
		return nil, fmt.Errorf("parse %s: %w", t, err)
	}
	return cmd, nil
}

// ParseNamed is ParsePayload keyed by the command's name.
func ParseNamed(typeName string, data []byte) (command.Command, error) {
	t, err := command.ParseType(typeName)
	if err != nil {
		return nil, err
	}
	return ParsePayload(t, data)
}

func validateHeader(h *command.Header) error {
	switch {
	case h.CommandID == uuid.Nil:
		return ErrMissingCommandID
	case h.Signer == uuid.Nil:
		return ErrMissingSigner
	case h.Sequence < 0:
		return ErrNegativeSequence
	}
	return nil
}
