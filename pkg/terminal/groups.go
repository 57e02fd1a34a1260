package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	procCmds
	memCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Inspecting the guest", procCmds},
	{"Examining memory", memCmds},
	{"Other commands", otherCmds},
}
