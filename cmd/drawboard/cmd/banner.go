package cmd

import (
	"fmt"
)

const banner = `
  _____                     _                         _
 |  __ \                   | |                       | |
 | |  | |_ __ __ ___      _| |__   ___   __ _ _ __ __| |
 | |  | | '__/ _` + "`" + ` \ \ /\ / / '_ \ / _ \ / _` + "`" + ` | '__/ _` + "`" + ` |
 | |__| | | | (_| |\ V  V /| |_) | (_) | (_| | | | (_| |
 |_____/|_|  \__,_| \_/\_/ |_.__/ \___/ \__,_|_|  \__,_|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Drawing Session Server - Version %s\x1b[0m\n\n", Version)
}
