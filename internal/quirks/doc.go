// Package quirks holds the chipset ID tables and apply logic for the two
// quirks named in spec.md §1 and §6: the AMD SB600/early SB700 EHCI
// periodic-list-cache workaround and the Intel xHCI port-routing handoff.
// PCI probing itself (vendor/device/revision discovery) is an external
// collaborator; this package only consumes the IDs it reports.
package quirks
