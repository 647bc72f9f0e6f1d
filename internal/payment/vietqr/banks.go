package vietqr

import "strings"

// bankNames maps NAPAS BINs and the short codes img.vietqr.io accepts to display names.
var bankNames = map[string]string{
	"970436": "Vietcombank",
	"970415": "VietinBank",
	"970418": "BIDV",
	"970405": "Agribank",
	"970422": "MB Bank",
	"970407": "Techcombank",
	"970416": "ACB",
	"970432": "VPBank",
	"970423": "TPBank",
	"970403": "Sacombank",
	"970437": "HDBank",
	"970441": "VIB",
	"970443": "SHB",
	"970431": "Eximbank",
	"970426": "MSB",

	"vcb":         "Vietcombank",
	"vietcombank": "Vietcombank",
	"ctg":         "VietinBank",
	"vietinbank":  "VietinBank",
	"bidv":        "BIDV",
	"vba":         "Agribank",
	"agribank":    "Agribank",
	"mb":          "MB Bank",
	"mbbank":      "MB Bank",
	"tcb":         "Techcombank",
	"techcombank": "Techcombank",
	"acb":         "ACB",
	"vpb":         "VPBank",
	"vpbank":      "VPBank",
	"tpb":         "TPBank",
	"tpbank":      "TPBank",
	"stb":         "Sacombank",
	"sacombank":   "Sacombank",
}

// BankName resolves a bank id to its display name, falling back to the id.
func BankName(bankID string) string {
	if name, ok := bankNames[strings.ToLower(strings.TrimSpace(bankID))]; ok {
		return name
	}
	return bankID
}
