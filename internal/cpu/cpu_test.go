package cpu

import (
	"testing"

	"github.com/ninefold/dmgcore/internal/bus"
)

func newCPUWithROM(code []byte) *CPU {
	rom := make([]byte, 0x8000)
	copy(rom, code)
	b := bus.New(rom)
	c := New(b)
	return c
}

func TestCPU_NopAndPC(t *testing.T) {
	c := newCPUWithROM([]byte{0x00}) // NOP
	if cycles := c.Step(); cycles != 4 {
		t.Fatalf("NOP cycles got %d want 4", cycles)
	}
	if c.PC != 1 {
		t.Fatalf("PC after NOP got %#04x want 0x0001", c.PC)
	}
}

func TestCPU_LD_A_d8_And_XOR_A(t *testing.T) {
	c := newCPUWithROM([]byte{0x3E, 0x12, 0xAF}) // LD A,0x12; XOR A
	c.Step()                                     // LD
	if c.A != 0x12 {
		t.Fatalf("A after LD got %02x want 12", c.A)
	}
	c.Step() // XOR A
	if c.A != 0x00 {
		t.Fatalf("A after XOR got %02x want 00", c.A)
	}
	if (c.F & 0x80) == 0 { // Z flag
		t.Fatalf("Z flag not set after XOR A")
	}
}

func TestCPU_LD_a16_A_and_LD_A_a16(t *testing.T) {
	// Program: LD A,0x77; LD (0xC000),A; LD A,0x00; LD A,(0xC000)
	prog := []byte{0x3E, 0x77, 0xEA, 0x00, 0xC0, 0x3E, 0x00, 0xFA, 0x00, 0xC0}
	c := newCPUWithROM(prog)
	c.Step() // LD A,77
	c.Step() // LD (C000),A
	if a := c.bus.Read(0xC000); a != 0x77 {
		t.Fatalf("WRAM at C000 got %02x want 77", a)
	}
	c.Step() // LD A,00
	c.Step() // LD A,(C000)
	if c.A != 0x77 {
		t.Fatalf("A after LD A,(C000) got %02x want 77", c.A)
	}
}

func TestCPU_JP_and_JR(t *testing.T) {
	// JP to 0x0010 then JR -2 to loop
	prog := []byte{0xC3, 0x10, 0x00} // at 0x0000: JP 0x0010
	// Fill until 0x0010 with NOPs
	rom := make([]byte, 0x8000)
	copy(rom, prog)
	for i := 0x0003; i < 0x0010; i++ {
		rom[i] = 0x00
	}
	// at 0x0010: JR -2 (0xFE), which will hop back to 0x0010 itself (infinite)
	rom[0x0010] = 0x18
	rom[0x0011] = 0xFE
	b := bus.New(rom)
	c := New(b)
	cycles := c.Step() // JP
	if cycles != 16 || c.PC != 0x0010 {
		t.Fatalf("JP cycles=%d PC=%#04x want cycles=16 PC=0x0010", cycles, c.PC)
	}
	pcBefore := c.PC
	c.Step()              // JR -2
	if c.PC != pcBefore { // stays at 0x0010
		t.Fatalf("JR -2 PC got %#04x want %#04x", c.PC, pcBefore)
	}
}

func TestCPU_INC_B_Flags(t *testing.T) {
	c := newCPUWithROM([]byte{0x04, 0x04}) // INC B twice
	c.B = 0x0F
	c.F = 0x10 // carry set initially
	c.Step()
	if c.B != 0x10 {
		t.Fatalf("INC B result got %02x want 10", c.B)
	}
	if (c.F & 0x20) == 0 { // H set
		t.Fatalf("INC B should set H flag")
	}
	if (c.F & 0x10) == 0 { // C preserved
		t.Fatalf("INC B should preserve C flag")
	}
	c.B = 0xFF
	c.Step()
	if c.B != 0x00 || (c.F&0x80) == 0 { // Z set
		t.Fatalf("INC B to 0 should set Z flag, B=%02x, F=%02x", c.B, c.F)
	}
}

func TestCPU_LD_16bit_and_LDH(t *testing.T) {
	// Program:
	// LD HL,0xC000; LD (HL),0x5A; LD A,0x00; LD A,(0xFF00+0x00); LD (0xFF00+0x80),A
	prog := []byte{
		0x21, 0x00, 0xC0, // LD HL, C000
		0x36, 0x5A,       // LD (HL), 5A
		0x3E, 0x00,       // LD A, 00
		0xF0, 0x00,       // LD A, (FF00+0)
		0xE0, 0x80,       // LD (FF00+80), A
	}
	c := newCPUWithROM(prog)
	// Preload HRAM at FF80 with 0xA7 via bus so the LDH write is observable
	c.Bus().Write(0xFF00, 0x20) // select dpad so read is deterministic
	c.Bus().Write(0xFF00, 0x30) // select none to keep 0x0F
	c.Bus().Write(0xFF80, 0xA7) // HRAM base

	c.Step(); c.Step(); c.Step(); c.Step(); c.Step()
	if v := c.Bus().Read(0xC000); v != 0x5A {
		t.Fatalf("WRAM C000 got %02x want 5A", v)
	}
	if v := c.Bus().Read(0xFF80); v != c.A {
		t.Fatalf("LDH (FF00+80),A expected write to FF80 with A=%02x got %02x", c.A, v)
	}
}

func TestCPU_CALL_RET(t *testing.T) {
	// 0000: CALL 0005; NOP; NOP; RET
	rom := make([]byte, 0x8000)
	rom[0x0000] = 0xCD
	rom[0x0001] = 0x05
	rom[0x0002] = 0x00
	for i := 0x0003; i < 0x0005; i++ { rom[i] = 0x00 }
	rom[0x0005] = 0xC9 // RET
	b := bus.New(rom)
	c := New(b)
	c.Step() // CALL
	if c.PC != 0x0005 {
		t.Fatalf("PC after CALL got %04x want 0005", c.PC)
	}
	retCycles := c.Step()
	if c.PC != 0x0003 || retCycles != 16 {
		t.Fatalf("RET did not return to 0003; PC=%04x cyc=%d", c.PC, retCycles)
	}
}

func TestCPU_LD_r_AtHL_AllDestinations(t *testing.T) {
	// LD HL,C000; LD (HL),0x5A; then one LD r,(HL) per destination register.
	opcodes := []byte{0x46, 0x4E, 0x56, 0x5E, 0x66, 0x6E, 0x7E}
	for _, op := range opcodes {
		prog := []byte{0x21, 0x00, 0xC0, 0x36, 0x5A, op}
		c := newCPUWithROM(prog)
		c.Step() // LD HL,C000
		c.Step() // LD (HL),5A
		c.Step() // LD r,(HL)
		if c.Err() != nil {
			t.Fatalf("opcode %02X reported illegal: %v", op, c.Err())
		}
		var got byte
		switch op {
		case 0x46:
			got = c.B
		case 0x4E:
			got = c.C
		case 0x56:
			got = c.D
		case 0x5E:
			got = c.E
		case 0x66:
			got = c.H
		case 0x6E:
			got = c.L
			if got != 0x5A {
				t.Fatalf("opcode %02X (LD L,(HL)) got %02x want 5A", op, got)
			}
			continue
		case 0x7E:
			got = c.A
		}
		if got != 0x5A {
			t.Fatalf("opcode %02X got %02x want 5A", op, got)
		}
	}
}

func TestCPU_IllegalOpcodeSurfacesErr(t *testing.T) {
	c := newCPUWithROM([]byte{0xD3})
	cycles := c.Step()
	if cycles != 4 {
		t.Fatalf("illegal opcode cycles got %d want 4", cycles)
	}
	err, ok := c.Err().(*IllegalOpcodeError)
	if !ok || err == nil {
		t.Fatalf("expected *IllegalOpcodeError, got %v", c.Err())
	}
	if err.Opcode != 0xD3 || err.Addr != 0x0000 {
		t.Fatalf("IllegalOpcodeError got %+v", err)
	}

	// A subsequent legal instruction clears the error.
	c2 := newCPUWithROM([]byte{0xD3, 0x00})
	c2.Step()
	c2.Step()
	if c2.Err() != nil {
		t.Fatalf("Err() should clear after a legal instruction, got %v", c2.Err())
	}
}

func TestCPU_ADD_A_HalfCarryAndCarry(t *testing.T) {
	c := newCPUWithROM([]byte{0x80}) // ADD A,B
	c.A = 0x0F
	c.B = 0x01
	c.Step()
	if c.A != 0x10 || !c.HalfCarry() {
		t.Fatalf("ADD A,B half-carry case: A=%02x H=%v", c.A, c.HalfCarry())
	}

	c = newCPUWithROM([]byte{0x80})
	c.A = 0xFF
	c.B = 0x01
	c.Step()
	if c.A != 0x00 || !c.Carry() || !c.Zero() {
		t.Fatalf("ADD A,B carry/zero case: A=%02x F=%02x", c.A, c.F)
	}
}

func TestCPU_SUB_BorrowFlags(t *testing.T) {
	c := newCPUWithROM([]byte{0x90}) // SUB B
	c.A = 0x00
	c.B = 0x01
	c.Step()
	if c.A != 0xFF || !c.Carry() || !c.Subtract() {
		t.Fatalf("SUB B underflow: A=%02x F=%02x", c.A, c.F)
	}
}

func TestCPU_DAA_AfterBCDAddition(t *testing.T) {
	// LD A,0x45; LD B,0x38; ADD A,B; DAA -> A should read as 0x83 in BCD.
	prog := []byte{0x3E, 0x45, 0x06, 0x38, 0x80, 0x27}
	c := newCPUWithROM(prog)
	c.Step() // LD A,45
	c.Step() // LD B,38
	c.Step() // ADD A,B -> 0x7D
	c.Step() // DAA
	if c.A != 0x83 {
		t.Fatalf("DAA result got %02x want 83", c.A)
	}
	if c.Zero() {
		t.Fatalf("DAA should not set Z for nonzero result")
	}
}

func TestCPU_RLCA_RotatesBit7IntoCarry(t *testing.T) {
	c := newCPUWithROM([]byte{0x07}) // RLCA
	c.A = 0x85
	c.Step()
	if c.A != 0x0B || !c.Carry() {
		t.Fatalf("RLCA got A=%02x carry=%v want A=0B carry=true", c.A, c.Carry())
	}
	if c.Zero() || c.Subtract() || c.HalfCarry() {
		t.Fatalf("RLCA must clear Z, N, H")
	}
}

func TestCPU_ADD_SP_NegativeImmediate(t *testing.T) {
	c := newCPUWithROM([]byte{0xE8, 0xFE}) // ADD SP,-2
	c.SP = 0x1000
	c.Step()
	if c.SP != 0x0FFE {
		t.Fatalf("ADD SP,-2 got %04x want 0FFE", c.SP)
	}
	if c.Zero() || c.Subtract() {
		t.Fatalf("ADD SP,r8 must clear Z and N")
	}
}

func TestCPU_PUSH_POP_AF_MasksLowNibble(t *testing.T) {
	c := newCPUWithROM([]byte{0xF5, 0xF1}) // PUSH AF; POP AF
	c.A = 0x12
	c.F = 0xFF // low nibble must never stick
	c.Step()   // PUSH AF
	c.F = 0x00
	c.Step() // POP AF
	if c.A != 0x12 || c.F != 0xF0 {
		t.Fatalf("PUSH/POP AF got A=%02x F=%02x want A=12 F=F0", c.A, c.F)
	}
}

func TestCPU_InterruptServicing_VBlankPriority(t *testing.T) {
	c := newCPUWithROM([]byte{0x00, 0x00}) // two NOPs at 0x0000, 0x0001
	c.PC = 0x0100
	c.IME = true
	c.SP = 0xFFFE
	c.Bus().Write(0xFFFF, 0x03) // IE: VBlank + LCD STAT enabled
	c.Bus().Write(0xFF0F, 0x03) // IF: both requested; VBlank (bit0) wins

	cycles := c.Step()
	if cycles != 20 {
		t.Fatalf("interrupt service cycles got %d want 20", cycles)
	}
	if c.PC != 0x0040 {
		t.Fatalf("PC after VBlank service got %04x want 0040", c.PC)
	}
	if c.IME {
		t.Fatalf("IME should be cleared after servicing")
	}
	if c.Bus().Read(0xFF0F)&0x01 != 0 {
		t.Fatalf("VBlank IF bit should be cleared")
	}
	if c.Bus().Read(0xFF0F)&0x02 == 0 {
		t.Fatalf("LCD STAT IF bit should remain pending")
	}
	retAddr := c.pop16()
	if retAddr != 0x0100 {
		t.Fatalf("pushed return address got %04x want 0100", retAddr)
	}
}

func TestCPU_HALT_WakesOnPendingInterruptWithoutIME(t *testing.T) {
	c := newCPUWithROM([]byte{0x76, 0x00}) // HALT; NOP
	c.IME = false
	c.Step() // HALT
	if !c.Halted {
		t.Fatalf("expected Halted after HALT opcode")
	}
	c.Bus().Write(0xFFFF, 0x01)
	c.Bus().Write(0xFF0F, 0x01)
	c.Step() // wakes, executes NOP
	if c.Halted {
		t.Fatalf("expected Halted cleared once a pending interrupt wakes the CPU")
	}
}

func TestCPU_STOP_ConsumesSecondByte(t *testing.T) {
	c := newCPUWithROM([]byte{0x10, 0x00, 0x3E, 0x42}) // STOP 0; LD A,0x42
	cycles := c.Step()
	if cycles != 4 {
		t.Fatalf("STOP cycles got %d want 4", cycles)
	}
	if c.Err() != nil {
		t.Fatalf("STOP must not raise IllegalOpcodeError, got %v", c.Err())
	}
	if c.PC != 0x0002 {
		t.Fatalf("STOP should consume its second byte: PC got %04X want 0002", c.PC)
	}
	c.Step() // LD A,0x42
	if c.A != 0x42 {
		t.Fatalf("instruction stream desynced after STOP: A got %02X want 42", c.A)
	}
}

func TestCPU_HALT_SpinsWhileIMESetAndNothingPending(t *testing.T) {
	c := newCPUWithROM([]byte{0x76, 0x3E, 0x99}) // HALT; LD A,0x99
	c.IME = true
	c.Step() // HALT
	if !c.Halted {
		t.Fatalf("expected Halted after HALT opcode")
	}
	cycles := c.Step() // no interrupt pending: must spin, not fetch the next opcode
	if cycles != 4 {
		t.Fatalf("halted spin cycles got %d want 4", cycles)
	}
	if !c.Halted {
		t.Fatalf("expected Halted to remain set with IME set but nothing pending")
	}
	if c.A == 0x99 {
		t.Fatalf("HALT must not fall through to executing the following opcode")
	}
	if c.PC != 0x0001 {
		t.Fatalf("PC should not advance past HALT while still halted: got %04X want 0001", c.PC)
	}
}

