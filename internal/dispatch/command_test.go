package dispatch

import "testing"

func TestParseCommand_Create(t *testing.T) {
	cmd := ParseCommand("!create myroom")
	if cmd.Kind != KindCreate || cmd.Name != "myroom" || cmd.Workspace != "" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_CreateWithWorkspace(t *testing.T) {
	cmd := ParseCommand("!create myroom templates/default")
	if cmd.Kind != KindCreate || cmd.Name != "myroom" || cmd.Workspace != "templates/default" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_CreateMissingName(t *testing.T) {
	cmd := ParseCommand("!create")
	if cmd.Kind != KindUnknown {
		t.Fatalf("expected Unknown, got %+v", cmd)
	}
}

func TestParseCommand_Delete(t *testing.T) {
	cmd := ParseCommand("!delete myroom")
	if cmd.Kind != KindDelete || cmd.Name != "myroom" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_List(t *testing.T) {
	cmd := ParseCommand("!list")
	if cmd.Kind != KindList {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_Status(t *testing.T) {
	cmd := ParseCommand("!status myroom")
	if cmd.Kind != KindStatus || cmd.Name != "myroom" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_StatusMissingName(t *testing.T) {
	cmd := ParseCommand("!status")
	if cmd.Kind != KindUnknown {
		t.Fatalf("expected Unknown, got %+v", cmd)
	}
}

func TestParseCommand_Join(t *testing.T) {
	cmd := ParseCommand("!join myroom")
	if cmd.Kind != KindJoin || cmd.Name != "myroom" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_Leave(t *testing.T) {
	cmd := ParseCommand("!leave")
	if cmd.Kind != KindLeave {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_Tell(t *testing.T) {
	cmd := ParseCommand("!tell myroom hello there friend")
	if cmd.Kind != KindTell || cmd.Session != "myroom" || cmd.Message != "hello there friend" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_TellMissingMessage(t *testing.T) {
	cmd := ParseCommand("!tell myroom")
	if cmd.Kind != KindUnknown {
		t.Fatalf("expected Unknown, got %+v", cmd)
	}
}

func TestParseCommand_Read(t *testing.T) {
	cmd := ParseCommand("!read myroom")
	if cmd.Kind != KindRead || cmd.Session != "myroom" || cmd.Count != 0 {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_ReadWithCount(t *testing.T) {
	cmd := ParseCommand("!read myroom 10")
	if cmd.Kind != KindRead || cmd.Session != "myroom" || cmd.Count != 10 {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_Broadcast(t *testing.T) {
	cmd := ParseCommand("!broadcast server restarting soon")
	if cmd.Kind != KindBroadcast || cmd.Message != "server restarting soon" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_BroadcastMissingMessage(t *testing.T) {
	cmd := ParseCommand("!broadcast ")
	if cmd.Kind != KindUnknown {
		t.Fatalf("expected Unknown, got %+v", cmd)
	}
}

func TestParseCommand_BroadcastCaseInsensitivePrefix(t *testing.T) {
	cmd := ParseCommand("!BROADCAST hello")
	if cmd.Kind != KindBroadcast || cmd.Message != "hello" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_Schedule(t *testing.T) {
	cmd := ParseCommand("!schedule myroom */5 * * * * say hi")
	if cmd.Kind != KindSchedule || cmd.Name != "myroom" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_BackendGetDefault(t *testing.T) {
	cmd := ParseCommand("!backend")
	if cmd.Kind != KindBackend || cmd.BackendSub != "get" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_BackendList(t *testing.T) {
	cmd := ParseCommand("!backend list")
	if cmd.Kind != KindBackend || cmd.BackendSub != "list" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_BackendSet(t *testing.T) {
	cmd := ParseCommand("!backend set acp")
	if cmd.Kind != KindBackend || cmd.BackendSub != "set" || cmd.BackendValue != "acp" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_BackendBareName(t *testing.T) {
	cmd := ParseCommand("!backend acp")
	if cmd.Kind != KindBackend || cmd.BackendSub != "set" || cmd.BackendValue != "acp" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_BackendReset(t *testing.T) {
	cmd := ParseCommand("!backend reset")
	if cmd.Kind != KindBackend || cmd.BackendSub != "reset" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_Help(t *testing.T) {
	cmd := ParseCommand("!help")
	if cmd.Kind != KindHelp {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_QuotedArgs(t *testing.T) {
	cmd := ParseCommand(`!create "my room"`)
	if cmd.Kind != KindCreate || cmd.Name != "my room" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_SingleQuotedArgs(t *testing.T) {
	cmd := ParseCommand(`!create 'my room'`)
	if cmd.Kind != KindCreate || cmd.Name != "my room" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseCommand_NotACommand(t *testing.T) {
	cmd := ParseCommand("just chatting here")
	if cmd.Kind != KindUnknown {
		t.Fatalf("expected Unknown for plain text, got %+v", cmd)
	}
}

func TestParseCommand_UnknownCommandName(t *testing.T) {
	cmd := ParseCommand("!frobnicate myroom")
	if cmd.Kind != KindUnknown {
		t.Fatalf("expected Unknown, got %+v", cmd)
	}
}
