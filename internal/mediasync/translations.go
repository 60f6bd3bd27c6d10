package mediasync

// countryNames maps ISO 3166-1 alpha-2 codes to display names. Codes
// without an entry pass through unchanged.
var countryNames = map[string]string{
	"US": "美国",
	"GB": "英国",
	"CN": "中国",
	"HK": "中国香港",
	"TW": "中国台湾",
	"JP": "日本",
	"KR": "韩国",
	"FR": "法国",
	"DE": "德国",
	"IT": "意大利",
	"ES": "西班牙",
	"IN": "印度",
	"TH": "泰国",
	"CA": "加拿大",
	"AU": "澳大利亚",
	"RU": "俄罗斯",
	"SE": "瑞典",
	"DK": "丹麦",
	"NO": "挪威",
	"NL": "荷兰",
	"BE": "比利时",
	"IE": "爱尔兰",
	"NZ": "新西兰",
	"BR": "巴西",
	"MX": "墨西哥",
	"AR": "阿根廷",
	"TR": "土耳其",
	"PL": "波兰",
	"CZ": "捷克",
	"SG": "新加坡",
	"MY": "马来西亚",
	"PH": "菲律宾",
	"VN": "越南",
	"ID": "印度尼西亚",
}

func translateCountry(code string) string {
	if name, ok := countryNames[code]; ok {
		return name
	}
	return code
}

// unifiedRatings collapses the common certification systems into one
// coarse scale.
var unifiedRatings = map[string]string{
	"G":        "全年龄",
	"TV-G":     "全年龄",
	"TV-Y":     "全年龄",
	"PG":       "辅导级",
	"TV-PG":    "辅导级",
	"PG-13":    "13+",
	"TV-14":    "14+",
	"R":        "17+",
	"TV-MA":    "17+",
	"NC-17":    "18+",
	"X":        "18+",
	"XXX":      "18+",
	"Unrated":  "未分级",
	"NR":       "未分级",
}

func unifyRating(official string) string {
	if unified, ok := unifiedRatings[official]; ok {
		return unified
	}
	return official
}
