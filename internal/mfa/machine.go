// Package mfa tracks a multi-factor authentication run through a fixed
// state machine. ProcessEvent is the only way the state changes.
package mfa

import (
	"errors"
	"fmt"
	"slices"
)

// State is a step of an MFA run.
type State string

const (
	StateInit            State = "INIT"
	StateConfig          State = "CONFIG"
	StateDeviceDiscovery State = "DEVICE_DISCOVERY"
	StateAuthInit        State = "AUTH_INIT"
	StateAuthVerify      State = "AUTH_VERIFY"
	StateSuccess         State = "SUCCESS"
	StateError           State = "ERROR"
)

// Terminal reports whether only RESET leaves s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError
}

// Event drives a transition.
type Event string

const (
	EventStart          Event = "START"
	EventConfigComplete Event = "CONFIG_COMPLETE"
	EventDevicesLoaded  Event = "DEVICES_LOADED"
	EventDeviceSelected Event = "DEVICE_SELECTED"
	EventNoDevices      Event = "NO_DEVICES"
	EventChallengeSent  Event = "CHALLENGE_SENT"
	EventVerifySuccess  Event = "VERIFY_SUCCESS"
	EventVerifyFailed   Event = "VERIFY_FAILED"
	EventRetry          Event = "RETRY"
	EventFail           Event = "FAIL"
	EventReset          Event = "RESET"
)

// ErrInvalidTransition is returned for a (state, event) pair outside the table.
var ErrInvalidTransition = errors.New("invalid transition")

type transition struct {
	from  State
	event Event
}

var transitions = map[transition]State{
	{StateInit, EventStart}: StateConfig,

	{StateConfig, EventConfigComplete}: StateDeviceDiscovery,

	{StateDeviceDiscovery, EventDevicesLoaded}:  StateDeviceDiscovery,
	{StateDeviceDiscovery, EventDeviceSelected}: StateAuthInit,
	{StateDeviceDiscovery, EventNoDevices}:      StateError,

	{StateAuthInit, EventChallengeSent}:  StateAuthVerify,
	{StateAuthInit, EventDeviceSelected}: StateAuthInit,

	{StateAuthVerify, EventVerifySuccess}: StateSuccess,
	{StateAuthVerify, EventVerifyFailed}:  StateAuthVerify,
	{StateAuthVerify, EventRetry}:         StateAuthInit,
}

func init() {
	for _, s := range []State{StateInit, StateConfig, StateDeviceDiscovery, StateAuthInit, StateAuthVerify} {
		transitions[transition{s, EventFail}] = StateError
	}
	for _, s := range AllStates() {
		transitions[transition{s, EventReset}] = StateInit
	}
}

// AllStates lists every state in flow order.
func AllStates() []State {
	return []State{StateInit, StateConfig, StateDeviceDiscovery, StateAuthInit, StateAuthVerify, StateSuccess, StateError}
}

// Next returns the state ev leads to from s.
func Next(s State, ev Event) (State, error) {
	next, ok := transitions[transition{s, ev}]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
	}
	return next, nil
}

// Allowed returns the events accepted in s, sorted.
func Allowed(s State) []Event {
	var out []Event
	for t := range transitions {
		if t.from == s {
			out = append(out, t.event)
		}
	}
	slices.Sort(out)
	return out
}
