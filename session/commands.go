package session

import "github.com/corpctl/rbtrace/wire"

// The command builders below produce the outbound op tuples of spec.md
// §4.3's table. Each returns a top-level wire.Array ready for wire.Encode.

func commandAttach(controllerPID int) wire.Value {
	return wire.Array(wire.String("attach"), wire.Int(int64(controllerPID)))
}

func commandDetach() wire.Value {
	return wire.Array(wire.String("detach"))
}

func commandWatch(thresholdMs int64) wire.Value {
	return wire.Array(wire.String("watch"), wire.Int(thresholdMs))
}

func commandWatchCPU(thresholdMs int64) wire.Value {
	return wire.Array(wire.String("watchcpu"), wire.Int(thresholdMs))
}

func commandFirehose() wire.Value {
	return wire.Array(wire.String("firehose"))
}

func commandDevmode() wire.Value {
	return wire.Array(wire.String("devmode"))
}

func commandGC() wire.Value {
	return wire.Array(wire.String("gc"))
}

func commandFork() wire.Value {
	return wire.Array(wire.String("fork"))
}

func commandEval(source string) wire.Value {
	return wire.Array(wire.String("eval"), wire.String(source))
}

func commandAdd(selectorText string, slow bool) wire.Value {
	return wire.Array(wire.String("add"), wire.String(selectorText), wire.Bool(slow))
}

func commandAddExpr(expr string) wire.Value {
	return wire.Array(wire.String("addexpr"), wire.String(expr))
}
