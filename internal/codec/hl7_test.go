package codec

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-lis/internal/domain"
)

func mllp(segments ...string) []byte {
	return append(append([]byte{VT}, strings.Join(segments, "\r")+"\r"...), FS, CR)
}

var oruMessage = []string{
	`MSH|^~\&|ANALYZER|LAB|LIS|HOSP|20240301080000||ORU^R01|MSG0001|P|2.3.1`,
	`PID|1||P001||Doe^Jane`,
	`OBR|1|ORD1|S100||||20240301075500`,
	`OBX|1|NM|GLU^Glucose||120|mg/dL|70-110|H|||F|||20240301080500`,
	`OBX|2|NM|NA^Sodium||140|mmol/L|||||F`,
}

func newHL7(t *testing.T) *HL7Codec {
	t.Helper()
	c, err := New(domain.ProtocolHL7, Options{Now: func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local) }})
	require.NoError(t, err)
	return c.(*HL7Codec)
}

func TestHL7DecodeORU(t *testing.T) {
	c := newHL7(t)
	out, rem := c.Decode(mllp(oruMessage...))
	require.Empty(t, rem)
	require.Empty(t, out.Errors)
	require.Len(t, out.Results, 2)

	glu := out.Results[0]
	assert.Equal(t, "S100", glu.SampleID)
	assert.Equal(t, "P001", glu.PatientID)
	assert.Equal(t, "GLU", glu.TestCode)
	assert.Equal(t, "120", glu.RawValue)
	assert.Equal(t, "mg/dL", glu.Unit)
	assert.Equal(t, "H", glu.InstrumentFlags)
	assert.Equal(t, "20240301080500", glu.InstrumentTime.Format("20060102150405"))

	na := out.Results[1]
	assert.Equal(t, "NA", na.TestCode)
	assert.Equal(t, "20240301075500", na.InstrumentTime.Format("20060102150405"), "falls back to OBR-7")
}

func TestHL7DecodeIsResumableAtEverySplit(t *testing.T) {
	c := newHL7(t)
	var data []byte
	data = append(data, mllp(oruMessage...)...)
	data = append(data, mllp(`MSH|^~\&|ANALYZER||LIS||20240301||ACK^O01|A1|P|2.3.1`, `MSA|AA|CTRL42`)...)
	data = append(data, mllp(oruMessage...)...)

	whole, rem := c.Decode(data)
	require.Empty(t, rem)
	require.Len(t, whole.Results, 4)
	require.Len(t, whole.Acks, 1)

	for k := 0; k <= len(data); k++ {
		got, rem := decodeChunks(c, data, k)
		require.Empty(t, rem, "split at %d", k)
		require.Equal(t, whole.Results, got.Results, "split at %d", k)
		require.Equal(t, whole.Acks, got.Acks, "split at %d", k)
	}
}

func TestHL7DecodeAck(t *testing.T) {
	c := newHL7(t)
	out, _ := c.Decode(mllp(`MSH|^~\&|ANALYZER||LIS||20240301||ACK^O01|A1|P|2.3.1`, `MSA|AE|CTRL42|unknown test`))
	require.Len(t, out.Acks, 1)
	assert.Equal(t, Ack{ControlID: "CTRL42", Code: "AE", Text: "unknown test"}, out.Acks[0])
	assert.False(t, out.Acks[0].Accepted())
}

func TestHL7MalformedMessageIsIsolated(t *testing.T) {
	c := newHL7(t)
	data := append(mllp(`PID|1||P001`), mllp(oruMessage...)...)

	out, rem := c.Decode(data)
	require.Empty(t, rem)
	require.Len(t, out.Errors, 1)
	assert.True(t, errors.Is(out.Errors[0], ErrFraming))
	assert.Len(t, out.Results, 2)
}

func TestHL7TruncatedBlockResyncs(t *testing.T) {
	c := newHL7(t)
	data := append([]byte{VT}, "MSH|^~\\&|X"...)
	data = append(data, mllp(oruMessage...)...)

	out, rem := c.Decode(data)
	require.Empty(t, rem)
	require.Len(t, out.Errors, 1)
	assert.Len(t, out.Results, 2)
}

func TestHL7QCSample(t *testing.T) {
	c := newHL7(t)
	out, _ := c.Decode(mllp(
		`MSH|^~\&|ANALYZER|LAB|LIS|HOSP|20240301080000||ORU^R01|MSG0002|P|2.3.1`,
		`OBR|1||QC^H^LOT9`,
		`OBX|1|NM|GLU||301|mg/dL`,
	))
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].IsQC)
	assert.Equal(t, "H", out.Results[0].QCLevel)
	assert.Equal(t, "LOT9", out.Results[0].QCLot)
}

func TestHL7QCProcessingID(t *testing.T) {
	c := newHL7(t)
	out, rem := c.Decode(mllp(
		`MSH|^~\&|ANALYZER|LAB|LIS|HOSP|20240301080000||ORU^R01|MSG0003|QC|2.3.1`,
		`OBR|1||CTRL1^N^LOT7`,
		`OBX|1|NM|GLU||98|mg/dL`,
		`OBX|2|NM|NA||141|mmol/L`,
	))
	require.Empty(t, rem)
	require.Empty(t, out.Errors)
	require.Len(t, out.Results, 2)
	for _, r := range out.Results {
		assert.True(t, r.IsQC, r.TestCode)
		assert.Equal(t, "CTRL1", r.SampleID)
		assert.Equal(t, "N", r.QCLevel)
		assert.Equal(t, "LOT7", r.QCLot)
	}

	// 生产消息中普通样本不受影响
	out, _ = c.Decode(mllp(oruMessage...))
	require.NotEmpty(t, out.Results)
	assert.False(t, out.Results[0].IsQC)
}

func TestBuildHL7Ack(t *testing.T) {
	c := newHL7(t)
	raw := Unwrap(mllp(oruMessage...))

	ack, err := c.BuildHL7Ack(raw, "AA", "")
	require.NoError(t, err)
	assert.Equal(t, VT, ack[0])
	text := string(Unwrap(ack))
	assert.True(t, strings.HasPrefix(text, `MSH|^~\&|LIS||ANALYZER|LAB|20240301090000||ACK^R01|ACKMSG0001|P|2.3.1`), text)
	assert.Contains(t, text, "\rMSA|AA|MSG0001\r")
	assert.NotContains(t, text, "ERR|")

	nack, err := c.BuildHL7Ack(raw, "AE", "bad|segment")
	require.NoError(t, err)
	assert.Contains(t, string(nack), `MSA|AE|MSG0001|bad\F\segment`)
	assert.Contains(t, string(nack), "ERR|")

	_, err = c.BuildHL7Ack([]byte("garbage"), "AA", "")
	assert.ErrorIs(t, err, ErrFraming)
}

func TestHL7EncodeORM(t *testing.T) {
	c := newHL7(t)
	entries := []domain.WorklistEntry{
		{AnalyzerID: "AN-1", SampleID: "S100", PatientID: "P001", TestCode: "GLU", MessageControlID: "CTRL1"},
		{AnalyzerID: "AN-1", SampleID: "S100", PatientID: "P001", TestCode: "CHOL", MessageControlID: "CTRL1"},
		{AnalyzerID: "AN-1", SampleID: "S200", PatientID: "P002", TestCode: "NA", Priority: "S", MessageControlID: "CTRL1"},
	}
	payload, err := c.Encode(entries)
	require.NoError(t, err)
	assert.Equal(t, VT, payload[0])
	assert.Equal(t, []byte{FS, CR}, payload[len(payload)-2:])

	text := string(payload)
	assert.Contains(t, text, "ORM^O01|CTRL1|P|2.3.1\r")
	assert.Contains(t, text, "PID|1||P001\r")
	assert.Contains(t, text, "OBR|1|S100||GLU^^L|R|20240301090000\r")
	assert.Contains(t, text, "OBR|2|S100||CHOL^^L|R|")
	assert.Contains(t, text, "ORC|NW|S200||||||^^^^^S\r")
	assert.Contains(t, text, "OBR|3|S200||NA^^L|S|")

	info, err := ParseHeader(Unwrap(payload))
	require.NoError(t, err)
	assert.Equal(t, "ORM", info.Type)
	assert.Equal(t, "O01", info.Trigger)
	assert.Equal(t, "CTRL1", info.ControlID)

	// 自身编码的工作单不产生结果
	out, rem := c.Decode(payload)
	assert.True(t, out.Empty())
	assert.Empty(t, rem)

	entries[0].MessageControlID = ""
	_, err = c.Encode(entries[:1])
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
