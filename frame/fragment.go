package frame

func (h *Header) IsControlFrame() bool {
	return h.Opcode.IsControl()
}

func (h *Header) IsDataFrame() bool {
	return h.Opcode.IsData()
}

func (h *Header) IsFirstFragmentDataFrame() bool {
	return h.IsDataFrame() && !h.IsFinal && h.Opcode != OpcodeContinuationFrame
}

func (h *Header) IsMiddleFragmentDataFrame() bool {
	return h.IsDataFrame() && !h.IsFinal && h.Opcode == OpcodeContinuationFrame
}

func (h *Header) IsFinalFragmentDataFrame() bool {
	return h.IsDataFrame() && h.IsFinal && h.Opcode == OpcodeContinuationFrame
}
