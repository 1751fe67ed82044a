package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"shiftbot/internal/duty"

	"github.com/google/uuid"
)

const customIDPrefix = "duty"

// Discord rejects custom ids longer than this.
const maxCustomIDLength = 100

var errNotDutyButton = errors.New("not a duty button")

var actionCodes = map[duty.ActionKind]string{
	duty.ActionStart:       "s",
	duty.ActionBreakToggle: "b",
	duty.ActionEnd:         "e",
}

// buttonRef is what a prompt button carries about the prompt it belongs to.
type buttonRef struct {
	Action    duty.ActionKind
	OwnerID   string
	ShiftID   uuid.UUID
	Assumed   duty.State
	ShiftType string
}

// encodeCustomID packs ref as duty|<action>|<owner>|<shift id or ->|<state>|<type>.
func encodeCustomID(ref buttonRef) (string, error) {
	code, ok := actionCodes[ref.Action]
	if !ok {
		return "", fmt.Errorf("unknown action %d", ref.Action)
	}
	if strings.Contains(ref.ShiftType, "|") || strings.Contains(ref.OwnerID, "|") {
		return "", fmt.Errorf("custom id fields may not contain '|'")
	}
	shiftID := "-"
	if ref.ShiftID != uuid.Nil {
		shiftID = ref.ShiftID.String()
	}
	id := strings.Join([]string{
		customIDPrefix,
		code,
		ref.OwnerID,
		shiftID,
		strconv.Itoa(int(ref.Assumed)),
		ref.ShiftType,
	}, "|")
	if len(id) > maxCustomIDLength {
		return "", fmt.Errorf("custom id is %d characters, limit is %d", len(id), maxCustomIDLength)
	}
	return id, nil
}

func decodeCustomID(id string) (buttonRef, error) {
	parts := strings.Split(id, "|")
	if len(parts) == 0 || parts[0] != customIDPrefix {
		return buttonRef{}, errNotDutyButton
	}
	if len(parts) != 6 {
		return buttonRef{}, fmt.Errorf("malformed duty button %q", id)
	}

	var ref buttonRef
	for kind, code := range actionCodes {
		if parts[1] == code {
			ref.Action = kind
		}
	}
	if ref.Action == 0 {
		return buttonRef{}, fmt.Errorf("unknown duty action %q", parts[1])
	}

	ref.OwnerID = parts[2]
	if ref.OwnerID == "" {
		return buttonRef{}, fmt.Errorf("duty button without owner")
	}

	if parts[3] != "-" {
		shiftID, err := uuid.Parse(parts[3])
		if err != nil {
			return buttonRef{}, fmt.Errorf("invalid shift id in duty button: %w", err)
		}
		ref.ShiftID = shiftID
	}

	state, err := strconv.Atoi(parts[4])
	if err != nil || state < int(duty.NoActiveShift) || state > int(duty.OnBreak) {
		return buttonRef{}, fmt.Errorf("invalid prompt state %q", parts[4])
	}
	ref.Assumed = duty.State(state)
	ref.ShiftType = parts[5]
	return ref, nil
}

func refFor(kind duty.ActionKind, p duty.Prompt) buttonRef {
	return buttonRef{
		Action:    kind,
		OwnerID:   p.OwnerID,
		ShiftID:   p.ShiftID,
		Assumed:   p.Assumed,
		ShiftType: p.ShiftType,
	}
}
