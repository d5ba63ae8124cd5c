package embedded

import (
	_ "embed"
)

//go:embed isp_flash.bin
var ispFlash []byte

// ISPFlashBootloader returns the flash bootloader binary that the engine
// installs into SRAM. The blob is opaque to the rest of the tool.
func ISPFlashBootloader() []byte {
	return ispFlash
}
