package rtccall

import "testing"

func TestNextState(t *testing.T) {
	tests := []struct {
		from State
		ev   event
		to   State
		ok   bool
	}{
		{Idle, evDial, Initiating, true},
		{Idle, evRing, RingingIncoming, true},
		{Initiating, evExchanged, Connecting, true},
		{RingingIncoming, evExchanged, Connecting, true},
		{RingingIncoming, evWithdrawn, Idle, true},
		{Connecting, evConnected, Active, true},
		{Active, evConnected, Active, true},
		{Active, evEnd, Ending, true},
		{Initiating, evEnd, Ending, true},
		{Ending, evCleared, Idle, true},

		{Initiating, evDial, Initiating, false},
		{Active, evRing, Active, false},
		{Initiating, evConnected, Initiating, false},
		{RingingIncoming, evConnected, RingingIncoming, false},
		{Connecting, evWithdrawn, Connecting, false},
		{Idle, evEnd, Idle, false},
		{Active, evCleared, Active, false},
	}
	for _, tt := range tests {
		to, ok := nextState(tt.from, tt.ev)
		if to != tt.to || ok != tt.ok {
			t.Errorf("nextState(%s, %s) = %s, %v; want %s, %v", tt.from, tt.ev, to, ok, tt.to, tt.ok)
		}
	}
}

func TestRoomRoleFor(t *testing.T) {
	// both sides derive the same room from the callee id
	room := "bob"
	if RoomRoleFor("bob", room) != RoleCallee || RoomRoleFor("alice", room) != RoleCaller {
		t.Fatal("unexpected roles")
	}
	if RoleCaller.Other() != RoleCallee || RoleCallee.Other() != RoleCaller {
		t.Fatal("unexpected other role")
	}
	if candidatesPath(room, RoleCaller) != "iceCandidates/bob/caller" || answerPath(room) != "calls/bob/answer" {
		t.Fatal("unexpected paths: ", candidatesPath(room, RoleCaller), answerPath(room))
	}
}

func TestParseCallKind(t *testing.T) {
	for in, want := range map[string]CallKind{"": KindAudio, "audio": KindAudio, "voice": KindAudio, "video": KindVideo} {
		if k, err := ParseCallKind(in); err != nil || k != want {
			t.Errorf("ParseCallKind(%q) = %v, %v", in, k, err)
		}
	}
	if _, err := ParseCallKind("hologram"); err == nil {
		t.Error("unknown kind should fail")
	}
}

func TestDescription_ToPion(t *testing.T) {
	if _, err := (&Description{Type: "offer", SDP: fakeSDP("x")}).ToPion(); err != nil {
		t.Fatal("ToPion() error: ", err)
	}
	if _, err := (&Description{Type: "pranswer", SDP: fakeSDP("x")}).ToPion(); err == nil {
		t.Fatal("pranswer should be rejected")
	}
	for _, bad := range []string{"", "garbage", "v=0\r\ns=-\r\nt=0 0\r\n"} {
		if _, err := (&Description{Type: "answer", SDP: bad}).ToPion(); err == nil {
			t.Fatalf("invalid sdp %q should be rejected", bad)
		}
	}
}
