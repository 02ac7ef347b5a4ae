package mt5

import "fmt"

// Trade server return codes.
const (
	retcodeRequote          = 10004
	retcodeRejected         = 10006
	retcodeCanceledByTrader = 10007
	retcodePlaced           = 10008
	retcodeDone             = 10009
	retcodeAccepted         = 10010
	retcodeSystemPlaced     = 10011
	retcodeDonePartial      = 10012
	retcodeFilled           = 10013
	retcodeCanceled         = 10014
	retcodeDeleted          = 10015
	retcodeModifiedPartial  = 10016
	retcodeOrderRejected    = 10017
	retcodeActivated        = 10018
	retcodeExternalPlaced   = 10019
	retcodeInvalidStops     = 10030
	retcodeInvalidVolume    = 10031
	retcodeMarketClosed     = 10032
	retcodeNoMoney          = 10033
	retcodePriceChanged     = 10034
	retcodeOffQuotes        = 10035
	retcodeBrokerBusy       = 10036
	retcodeTooManyRequests  = 10039
	retcodeTradeDisabled    = 10041
	retcodeInvalidPrice     = 10046
	retcodePositionClosed   = 10051
	retcodeConnectionLost   = 10060
	retcodeTradeTimeout     = 10069
)

var retcodeMessages = map[int]string{
	retcodeRequote:          "Requote",
	retcodeRejected:         "Request rejected",
	retcodeCanceledByTrader: "Request canceled by trader",
	retcodePlaced:           "Order placed",
	retcodeDone:             "Order modified",
	retcodeAccepted:         "Request accepted",
	retcodeSystemPlaced:     "System order placed",
	retcodeDonePartial:      "Order filled partially",
	retcodeFilled:           "Order filled fully",
	retcodeCanceled:         "Order canceled",
	retcodeDeleted:          "Order deleted",
	retcodeModifiedPartial:  "Order modified partially",
	retcodeOrderRejected:    "Order rejected",
	retcodeActivated:        "Order activation triggered",
	retcodeExternalPlaced:   "Order placed by external system",
	retcodeInvalidStops:     "Invalid stops",
	retcodeInvalidVolume:    "Invalid volume",
	retcodeMarketClosed:     "Market closed",
	retcodeNoMoney:          "No money",
	retcodePriceChanged:     "Price changed",
	retcodeOffQuotes:        "Off quotes",
	retcodeBrokerBusy:       "Broker busy",
	retcodeTooManyRequests:  "Too many requests",
	retcodeTradeDisabled:    "Trade disabled",
	retcodeInvalidPrice:     "Invalid price",
	retcodePositionClosed:   "Position closed",
	retcodeConnectionLost:   "Connection lost",
	retcodeTradeTimeout:     "Trade timeout",
}

// retcodeMessage returns the human-readable description for a return code.
// Unmapped codes are reported, never panicked on.
func retcodeMessage(code int) string {
	if msg, ok := retcodeMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown retcode %d", code)
}

var executeSuccess = map[int]bool{
	retcodePlaced:         true,
	retcodeDone:           true,
	retcodeAccepted:       true,
	retcodeSystemPlaced:   true,
	retcodeDonePartial:    true,
	retcodeFilled:         true,
	retcodeActivated:      true,
	retcodeExternalPlaced: true,
}

var modifySuccess = map[int]bool{
	retcodeDone:            true,
	retcodeModifiedPartial: true,
}

var cancelSuccess = map[int]bool{
	retcodeCanceled: true,
	retcodeDeleted:  true,
}

var closeSuccess = map[int]bool{
	retcodeDonePartial: true,
	retcodeFilled:      true,
}

func isExecuteSuccess(code int) bool { return executeSuccess[code] }
func isModifySuccess(code int) bool  { return modifySuccess[code] }
func isCancelSuccess(code int) bool  { return cancelSuccess[code] }
func isCloseSuccess(code int) bool   { return closeSuccess[code] }
