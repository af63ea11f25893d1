package jvm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jazero/jazero/jvm"
	"github.com/jazero/jazero/jvm/jvmtest"
)

func TestStreamDecodesImmediates(t *testing.T) {
	code := jvmtest.NewAsm().
		Iconst(0).        // 0: iconst_0
		Iconst(-100).     // 1: bipush -100
		Iconst(1000).     // 3: sipush 1000
		Iinc(2, -1).      // 6: iinc 2, -1
		Iload(5).         // 9: iload 5
		Op(jvm.Return).   // 11
		Code()

	s := jvm.NewBytecodeStream(code)
	require.Equal(t, jvm.Iconst0, s.CurrentBC())
	s.Next()
	require.Equal(t, 1, s.CurrentBCI())
	require.Equal(t, jvm.Bipush, s.CurrentBC())
	require.Equal(t, -100, s.ReadByteImmediate())
	s.Next()
	require.Equal(t, jvm.Sipush, s.CurrentBC())
	require.Equal(t, 1000, s.ReadShortImmediate())
	s.Next()
	require.Equal(t, jvm.Iinc, s.CurrentBC())
	require.Equal(t, 2, s.ReadLocalIndex())
	require.Equal(t, -1, s.ReadIncrement())
	s.Next()
	require.Equal(t, jvm.Iload, s.CurrentBC())
	require.Equal(t, 5, s.ReadLocalIndex())
	s.Next()
	require.Equal(t, 11, s.CurrentBCI())
	require.Equal(t, jvm.Return, s.CurrentBC())
	require.Equal(t, len(code), s.NextBCI())
}

func TestStreamDecodesWide(t *testing.T) {
	code := []byte{
		byte(jvm.Wide), byte(jvm.Iload), 0x01, 0x00, // wide iload 256
		byte(jvm.Wide), byte(jvm.Iinc), 0x01, 0x02, 0xff, 0x9c, // wide iinc 258, -100
		byte(jvm.Return),
	}
	s := jvm.NewBytecodeStream(code)
	require.Equal(t, jvm.Wide, s.CurrentBC())
	require.Equal(t, jvm.Iload, s.WidenedBC())
	require.Equal(t, 256, s.ReadLocalIndex())
	require.Equal(t, 4, s.NextBCI())
	s.Next()
	require.Equal(t, jvm.Iinc, s.WidenedBC())
	require.Equal(t, 258, s.ReadLocalIndex())
	require.Equal(t, -100, s.ReadIncrement())
	require.Equal(t, 10, s.NextBCI())
}

func TestStreamDecodesBranches(t *testing.T) {
	code := jvmtest.NewAsm().
		Label("top").
		Iload(0).              // 0
		Branch(jvm.Ifeq, "end"). // 1
		Goto("top").           // 4
		Label("end").
		Op(jvm.Return). // 7
		Code()

	s := jvm.NewBytecodeStream(code)
	s.SetBCI(1)
	require.Equal(t, 7, s.ReadBranchDest())
	s.SetBCI(4)
	require.Equal(t, 0, s.ReadBranchDest())
}

func TestStreamDecodesTableSwitch(t *testing.T) {
	code := jvmtest.NewAsm().
		Iload(0). // 0
		TableSwitch("def", 3, "a", "b"). // 1
		Label("a").Op(jvm.Return).
		Label("b").Op(jvm.Return).
		Label("def").Op(jvm.Return).
		Code()

	s := jvm.NewBytecodeStream(code)
	s.SetBCI(1)
	ts := s.ReadTableSwitch()
	require.Equal(t, int32(3), ts.Low)
	require.Equal(t, int32(4), ts.High)
	require.Len(t, ts.Dests, 2)
	require.Equal(t, byte(jvm.Return), code[ts.Dests[0]])
	require.Equal(t, byte(jvm.Return), code[ts.DefaultDest])
	require.Equal(t, ts.Dests[0]+1, ts.Dests[1])
	// The switch is the block's last instruction; the next bci is the
	// first case.
	require.Equal(t, ts.Dests[0], s.NextBCI())
}

func TestStreamDecodesLookupSwitch(t *testing.T) {
	code := jvmtest.NewAsm().
		Iload(0).
		LookupSwitch("def", []int32{-10, 42}, []string{"a", "b"}).
		Label("a").Op(jvm.Return).
		Label("b").Op(jvm.Return).
		Label("def").Op(jvm.Return).
		Code()

	s := jvm.NewBytecodeStream(code)
	s.SetBCI(1)
	ls := s.ReadLookupSwitch()
	require.Equal(t, []int32{-10, 42}, ls.Keys)
	require.Len(t, ls.Dests, 2)
	require.Equal(t, ls.Dests[0], s.NextBCI())
}

func TestBytecodeClassification(t *testing.T) {
	require.True(t, jvm.Ifeq.IsConditionalBranch())
	require.True(t, jvm.IfAcmpne.IsConditionalBranch())
	require.False(t, jvm.Goto.IsConditionalBranch())

	require.True(t, jvm.Goto.IsBlockEnd())
	require.True(t, jvm.Athrow.IsBlockEnd())
	require.True(t, jvm.Tableswitch.IsBlockEnd())
	require.True(t, jvm.Iflt.IsBlockEnd())
	require.False(t, jvm.Iadd.IsBlockEnd())
	require.False(t, jvm.Invokestatic.IsBlockEnd())

	require.True(t, jvm.Ireturn.IsReturn())
	require.True(t, jvm.Return.IsReturn())
	require.False(t, jvm.Ret.IsReturn())

	require.True(t, jvm.Idiv.CanTrap())
	require.True(t, jvm.Getfield.CanTrap())
	require.True(t, jvm.Invokevirtual.CanTrap())
	require.True(t, jvm.Athrow.CanTrap())
	require.False(t, jvm.Iadd.CanTrap())
	require.False(t, jvm.Goto.CanTrap())

	require.Equal(t, 1, jvm.Iconst0.Length())
	require.Equal(t, 2, jvm.Bipush.Length())
	require.Equal(t, 3, jvm.Goto.Length())
	require.Equal(t, 0, jvm.Tableswitch.Length())

	require.True(t, jvm.Nop.Defined())
	require.False(t, jvm.Bytecode(0xcb).Defined())
}
