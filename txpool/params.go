package txpool

var (
	txSlotSize uint64 = 32 * 1024

	txMaxSize = 4 * txSlotSize // 128KB
)
