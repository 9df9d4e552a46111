package epd

import "fmt"

// Command is a controller opcode.
type Command byte

const (
	CmdGateSetting           Command = 0x01
	CmdPowerOff              Command = 0x02
	CmdGateVoltage           Command = 0x03
	CmdGateVoltageSource     Command = 0x04
	CmdSleep2                Command = 0x07
	CmdBoosterSoftStart      Command = 0x0C
	CmdDeepSleep             Command = 0x10
	CmdDataEntrySequence     Command = 0x11
	CmdSWReset               Command = 0x12
	CmdTempSensorSelect      Command = 0x18
	CmdTempSensorWrite       Command = 0x1A
	CmdTempSensorRead        Command = 0x1B
	CmdDisplayUpdate         Command = 0x20
	CmdUpdateSequenceSetting Command = 0x22
	CmdWriteRAM              Command = 0x24
	CmdWriteRAM2             Command = 0x26
	CmdWriteVCOM             Command = 0x2C
	CmdWriteLUT              Command = 0x32
	CmdDisplayOption         Command = 0x37
	CmdBorderWaveform        Command = 0x3C
	CmdRAMXStartEnd          Command = 0x44
	CmdRAMYStartEnd          Command = 0x45
	CmdAutoWriteRedPattern   Command = 0x46
	CmdAutoWriteBWPattern    Command = 0x47
	// CmdUnknown49 is undocumented; vendor code sends it before 4-gray RAM writes.
	CmdUnknown49   Command = 0x49
	CmdRAMXCounter Command = 0x4E
	CmdRAMYCounter Command = 0x4F
	CmdSleep       Command = 0x50
)

var commandNames = map[Command]string{
	CmdGateSetting:           "gate setting",
	CmdPowerOff:              "power off",
	CmdGateVoltage:           "gate voltage",
	CmdGateVoltageSource:     "gate voltage source",
	CmdSleep2:                "sleep2",
	CmdBoosterSoftStart:      "booster soft start",
	CmdDeepSleep:             "deep sleep",
	CmdDataEntrySequence:     "data entry sequence",
	CmdSWReset:               "sw reset",
	CmdTempSensorSelect:      "temperature sensor select",
	CmdTempSensorWrite:       "temperature sensor write",
	CmdTempSensorRead:        "temperature sensor read",
	CmdDisplayUpdate:         "display update",
	CmdUpdateSequenceSetting: "update sequence setting",
	CmdWriteRAM:              "write ram",
	CmdWriteRAM2:             "write ram2",
	CmdWriteVCOM:             "write vcom",
	CmdWriteLUT:              "write lut",
	CmdDisplayOption:         "display option",
	CmdBorderWaveform:        "border waveform",
	CmdRAMXStartEnd:          "ram x start/end",
	CmdRAMYStartEnd:          "ram y start/end",
	CmdAutoWriteRedPattern:   "auto write red pattern",
	CmdAutoWriteBWPattern:    "auto write bw pattern",
	CmdUnknown49:             "unknown 0x49",
	CmdRAMXCounter:           "ram x counter",
	CmdRAMYCounter:           "ram y counter",
	CmdSleep:                 "sleep",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("command 0x%02X", byte(c))
}
