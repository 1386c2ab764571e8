package pipeline

type TrackingObject struct {
	IMEI     string `json:"imei"`
	Datetime string `json:"dt"`

	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Alt  int     `json:"alt"`
	Spd  int     `json:"spd"`
	Crs  int     `json:"crs"`
	Sats int     `json:"sats"`
	Prio int     `json:"prio"`

	MsgType int    `json:"msg_type"` // 1=live, 0=buffer
	Fix     int    `json:"fix"`      // 1 si sats>3 y coords válidas
	Raw     string `json:"raw,omitempty"`
}
