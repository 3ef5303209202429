package lod

type ManagerBuilderOption func(*managerImpl)

// WithMemoryBudget sets the soft memory budget in bytes.
//
// Parameters:
//   - bytes: the budget
//
// Returns:
//   - ManagerBuilderOption: a function that applies the budget to a manager instance
func WithMemoryBudget(bytes uint64) ManagerBuilderOption {
	return func(m *managerImpl) {
		m.budget = bytes
	}
}

// WithChunkSize sets the members per chunk used when a level has no precomputed chunk table.
//
// Parameters:
//   - n: the chunk size, ignored if < 1
//
// Returns:
//   - ManagerBuilderOption: a function that applies the chunk size to a manager instance
func WithChunkSize(n int) ManagerBuilderOption {
	return func(m *managerImpl) {
		if n >= 1 {
			m.chunkSize = n
		}
	}
}

// WithWorkers sets the number of blob decode workers.
//
// Parameters:
//   - n: the worker count, ignored if < 1
//
// Returns:
//   - ManagerBuilderOption: a function that applies the worker count to a manager instance
func WithWorkers(n int) ManagerBuilderOption {
	return func(m *managerImpl) {
		if n >= 1 {
			m.workers = n
		}
	}
}
