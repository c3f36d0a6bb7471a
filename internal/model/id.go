package model

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// IDType is the prefix naming what an identifier refers to.
type IDType string

const (
	IDTypeTask   IDType = "task"
	IDTypeRecord IDType = "rec"
)

// Identifiers look like task_1700000000_0a1b2c3d: kind, creation second
// zero-padded to ten digits, four random bytes in hex.
var idPattern = regexp.MustCompile(`^(task|rec)_([0-9]{10})_([0-9a-f]{8})$`)

// ParsedID is the decomposed form of a generated identifier.
type ParsedID struct {
	Type    IDType
	Created time.Time
	Suffix  string
}

// GenerateID mints a new identifier of the given kind.
func GenerateID(kind IDType) (string, error) {
	switch kind {
	case IDTypeTask, IDTypeRecord:
	default:
		return "", fmt.Errorf("invalid ID type: %s", kind)
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return formatID(kind, time.Now().Unix(), hex.EncodeToString(u[:4])), nil
}

func formatID(kind IDType, sec int64, suffix string) string {
	return fmt.Sprintf("%s_%010d_%s", kind, sec, suffix)
}

// ParseID splits a generated identifier into its parts.
func ParseID(id string) (ParsedID, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return ParsedID{}, fmt.Errorf("invalid ID format: %q", id)
	}
	sec, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return ParsedID{}, fmt.Errorf("parse timestamp of %q: %w", id, err)
	}
	return ParsedID{Type: IDType(m[1]), Created: time.Unix(sec, 0), Suffix: m[3]}, nil
}

func ValidateID(id string) bool {
	_, err := ParseID(id)
	return err == nil
}

// RecordIDFor derives the completion-record id from a task id so that
// finalizing the same task twice yields the same record. Task ids that did
// not come from GenerateID (artifact-supplied ones) are prefixed verbatim.
func RecordIDFor(taskID string) string {
	if p, err := ParseID(taskID); err == nil && p.Type == IDTypeTask {
		return formatID(IDTypeRecord, p.Created.Unix(), p.Suffix)
	}
	return string(IDTypeRecord) + "_" + taskID
}
