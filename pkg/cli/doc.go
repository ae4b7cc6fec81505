// Package cli implements unis-admin, the operator tool for the contact
// visibility directory.
//
// # Commands
//
// Schema and first admin:
//
//	unis-admin migrate
//	unis-admin bootstrap -id root
//
// Agents:
//
//	unis-admin agent create -as root -id alice -role commercial
//	unis-admin agent list
//	unis-admin agent deactivate -as root -id alice
//	unis-admin agent reactivate -as root -id alice
//
// Grants and hierarchy:
//
//	unis-admin grant -as root -granter bob -grantee alice
//	unis-admin revoke -as root -granter bob -grantee alice
//	unis-admin set-grants -as root -grantee alice -granters bob,carol
//	unis-admin assign-manager -as root -manager mgr -subordinate alice
//	unis-admin remove-manager -as root -subordinate alice
//
// Queries:
//
//	unis-admin check -actor alice -action edit -owner bob
//	unis-admin visible -actor mgr
//	unis-admin audit search -actor alice -since 24h
//
// -as defaults to $UNIS_ADMIN_ID. Settings come from pkg/config.
//
// # Exit Codes
//
//	0  success, or check allowed
//	1  unexpected failure
//	2  bad flags or arguments
//	3  check denied, or requester is not an active admin
//	4  agent not found
//	5  conflicting change (duplicate grant, cycle, second manager, existing agent)
//	6  hierarchy integrity violation in stored data
package cli
