// Package cli implements tenantctl, the operator tool for creating and
// listing sites.
//
// # Commands
//
// createsite: create a site, prompting for missing fields on a terminal
//
//	tenantctl createsite --domain shop.example.com --name Shop
//	tenantctl createsite --domain shop.example.com --name Shop --noinput
//
// createrootsite: create the single root site
//
//	tenantctl createrootsite --domain admin.example.com --name Admin --noinput
//
// listsites: print every site with its aliases
//
//	tenantctl --config /etc/tenancy/config.yaml listsites
//
// # Behavior
//
// Validation messages are printed exactly as the tenant store reports them
// and the command exits non-zero. Interactive mode re-prompts on invalid
// input and is skipped, with a notice, when stdin is not a terminal.
//
// The store is opened from the same configuration file and TENANCY_*
// environment variables as tenantd. Only the postgres driver is accepted.
package cli
