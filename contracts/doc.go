// Package contracts defines the exchange model shared by every other package.
//
// An Exchange is one in-flight message exchange. It has a fixed pattern
// (OneWay, RobustOneWay or RequestReply) and a status that moves from Active
// to Done or Error exactly once:
//
//	ex, _ := contracts.NewExchange(contracts.RequestReply)
//	_ = ex.SetIn(contracts.NewMessage("application/json", payload))
//	...
//	_ = ex.Done()          // first terminal transition wins
//	err := ex.Fail(cause)  // errors.Is(err, contracts.ErrExchangeTerminated)
//
// Messages cross component boundaries by value. CopyIn, CopyFault,
// TransferToIn and TransferToFault never share content or property storage
// between the source and the destination.
//
// The package also carries the wire envelope used by network transports, the
// endpoint contracts used for target resolution and the error taxonomy.
package contracts
