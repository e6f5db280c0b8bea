// Package homekit exposes cmdbridge devices to Apple Home through a HAP
// bridge accessory built on github.com/brutella/hc.
//
// Each device becomes a child accessory carrying the service for its type:
//
//	Switch, Lightbulb, Outlet   On
//	Lock                        LockCurrentState, LockTargetState
//	Door                        CurrentDoorState, TargetDoorState (garage door opener)
//	WindowCovering              CurrentPosition, TargetPosition
//
// Reads are answered from the device cache; writes run the device's on or
// off command. Server implements device.Frontend.
package homekit
