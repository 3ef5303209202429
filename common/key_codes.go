package common

// Key codes delivered by the window. They match GLFW, which uses ASCII for printable keys.
const (
	KeyW = 87
	KeyA = 65
	KeyS = 83
	KeyD = 68
	KeyQ = 81
	KeyE = 69
	KeyC = 67
)
