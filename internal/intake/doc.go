// Package intake is the business boundary for the clinic front desk.
//
// A Queue admits walk-in patients, tiers their symptoms with a Classifier and
// ranks whoever is still waiting. A Dispatcher texts patients and tracks each
// message from Pending to Sent or Failed. Both persist through a Store.
package intake
